package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"repairline/internal/domain"
)

// EnsureTechnician registers a technician if missing. Existing rows keep their name and active flag.
func (r Repo) EnsureTechnician(ctx context.Context, id, name string) (domain.Technician, error) {
	if id == "" {
		return domain.Technician{}, errors.New("technician id required")
	}
	t, err := r.GetTechnician(ctx, id)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	t = domain.Technician{ID: id, Name: name, Active: true, CreatedAt: r.now().UTC()}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO technicians(id,name,active,created_at) VALUES (?,?,?,?)`),
		t.ID, nullable(t.Name), 1, t.CreatedAt.Format(time.RFC3339))
	return t, err
}

func (r Repo) GetTechnician(ctx context.Context, id string) (domain.Technician, error) {
	var t domain.Technician
	var active int
	var created string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,COALESCE(name,''),active,created_at FROM technicians WHERE id=?`), id).
		Scan(&t.ID, &t.Name, &active, &created)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	if t.CreatedAt, err = parseTimestamp("technician created_at", created); err != nil {
		return domain.Technician{}, err
	}
	return t, nil
}

func (r Repo) ListTechnicians(ctx context.Context) ([]domain.Technician, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),active,created_at FROM technicians ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Technician
	for rows.Next() {
		var t domain.Technician
		var active int
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &active, &created); err != nil {
			return nil, err
		}
		t.Active = active != 0
		var err error
		if t.CreatedAt, err = parseTimestamp("technician created_at", created); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTechnicianActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE technicians SET active=? WHERE id=?`), flag, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
