package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"repairline/internal/domain"
)

// Row is one technician's closed work on one visit.
type Row struct {
	TechnicianID string `json:"technician_id"`
	OrderNumber  string `json:"order_number"`
	VisitID      string `json:"visit_id"`
	VisitType    string `json:"visit_type"`
	VisitStatus  string `json:"visit_status"`
	Day          string `json:"day"`
	Sessions     int    `json:"sessions"`
	Minutes      int    `json:"minutes"`
}

// Filter limits the timesheet. Zero values match everything; To is exclusive.
type Filter struct {
	TechnicianID string
	From         time.Time
	To           time.Time
}

func (f Filter) match(tech string, start time.Time) bool {
	if f.TechnicianID != "" && f.TechnicianID != tech {
		return false
	}
	if !f.From.IsZero() && start.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !start.Before(f.To) {
		return false
	}
	return true
}

// Timesheet aggregates closed work sessions per technician, visit and day.
// Open sessions are not counted until they close.
func Timesheet(orders []domain.Order, f Filter) []Row {
	type key struct{ tech, visit, day string }
	index := map[key]int{}
	var rows []Row
	for _, o := range orders {
		for _, v := range o.Visits {
			for _, s := range v.WorkSessions {
				if s.Open() {
					continue
				}
				tech := s.StartedBy
				if tech == "" {
					tech = v.TechnicianID
				}
				if !f.match(tech, s.StartTime) {
					continue
				}
				k := key{tech, v.ID, s.StartTime.UTC().Format("2006-01-02")}
				i, ok := index[k]
				if !ok {
					i = len(rows)
					index[k] = i
					rows = append(rows, Row{
						TechnicianID: tech,
						OrderNumber:  o.OrderNumber,
						VisitID:      v.ID,
						VisitType:    v.VisitType,
						VisitStatus:  string(v.Status),
						Day:          k.day,
					})
				}
				rows[i].Sessions++
				rows[i].Minutes += s.Duration
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TechnicianID != rows[j].TechnicianID {
			return rows[i].TechnicianID < rows[j].TechnicianID
		}
		if rows[i].Day != rows[j].Day {
			return rows[i].Day < rows[j].Day
		}
		return rows[i].VisitID < rows[j].VisitID
	})
	return rows
}

// Totals sums minutes per technician.
func Totals(rows []Row) map[string]int {
	out := map[string]int{}
	for _, r := range rows {
		out[r.TechnicianID] += r.Minutes
	}
	return out
}

var headers = []interface{}{"Technician", "Day", "Order", "Visit", "Visit type", "Visit status", "Sessions", "Minutes", "Hours"}

const (
	sheetTimesheet = "Timesheet"
	sheetTotals    = "Totals"
)

// WriteXLSX renders rows and per-technician totals as a workbook.
func WriteXLSX(w io.Writer, rows []Row) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetTimesheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheetTimesheet, "A1", &headers); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheetTimesheet, "A1", "I1", bold); err != nil {
		return err
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{r.TechnicianID, r.Day, r.OrderNumber, r.VisitID, r.VisitType, r.VisitStatus, r.Sessions, r.Minutes, hours(r.Minutes)}
		if err := f.SetSheetRow(sheetTimesheet, cell, &row); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(sheetTimesheet, "C", "D", 28)

	if _, err := f.NewSheet(sheetTotals); err != nil {
		return err
	}
	totalsHeader := []interface{}{"Technician", "Minutes", "Hours"}
	if err := f.SetSheetRow(sheetTotals, "A1", &totalsHeader); err != nil {
		return err
	}
	_ = f.SetCellStyle(sheetTotals, "A1", "C1", bold)
	totals := Totals(rows)
	techs := make([]string, 0, len(totals))
	for tech := range totals {
		techs = append(techs, tech)
	}
	sort.Strings(techs)
	for i, tech := range techs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{tech, totals[tech], hours(totals[tech])}
		if err := f.SetSheetRow(sheetTotals, cell, &row); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func hours(minutes int) string {
	return fmt.Sprintf("%.2f", float64(minutes)/60)
}
