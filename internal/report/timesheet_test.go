package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"repairline/internal/domain"
)

func closed(start time.Time, minutes int, by string) domain.WorkSession {
	end := start.Add(time.Duration(minutes) * time.Minute)
	return domain.WorkSession{StartTime: start, EndTime: &end, Duration: minutes, StartedBy: by}
}

func sampleOrders() []domain.Order {
	day1 := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	return []domain.Order{{
		OrderNumber: "ORD-1",
		Visits: []domain.Visit{
			{
				ID: "VIS-A", VisitType: "diagnosis", Status: domain.VisitCompleted, TechnicianID: "tech-1",
				WorkSessions: []domain.WorkSession{
					closed(day1, 30, "tech-1"),
					closed(day1.Add(2*time.Hour), 15, ""),
					closed(day2, 20, "tech-2"),
					{StartTime: day2.Add(time.Hour), StartedBy: "tech-1"},
				},
			},
		},
	}}
}

func TestTimesheetGroupsClosedSessions(t *testing.T) {
	rows := Timesheet(sampleOrders(), Filter{})
	require.Len(t, rows, 2)
	assert.Equal(t, Row{TechnicianID: "tech-1", OrderNumber: "ORD-1", VisitID: "VIS-A", VisitType: "diagnosis", VisitStatus: "completed", Day: "2024-01-02", Sessions: 2, Minutes: 45}, rows[0])
	assert.Equal(t, "tech-2", rows[1].TechnicianID)
	assert.Equal(t, 20, rows[1].Minutes)
	assert.Equal(t, map[string]int{"tech-1": 45, "tech-2": 20}, Totals(rows))
}

func TestTimesheetFilter(t *testing.T) {
	rows := Timesheet(sampleOrders(), Filter{TechnicianID: "tech-2"})
	require.Len(t, rows, 1)

	rows = Timesheet(sampleOrders(), Filter{From: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)})
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-01-03", rows[0].Day)

	rows = Timesheet(sampleOrders(), Filter{To: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)})
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-01-02", rows[0].Day)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, Timesheet(sampleOrders(), Filter{})))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Timesheet", "Totals"}, f.GetSheetList())

	v, err := f.GetCellValue("Timesheet", "H2")
	require.NoError(t, err)
	assert.Equal(t, "45", v)
	v, err = f.GetCellValue("Totals", "A3")
	require.NoError(t, err)
	assert.Equal(t, "tech-2", v)
	v, err = f.GetCellValue("Totals", "C2")
	require.NoError(t, err)
	assert.Equal(t, "0.75", v)
}
