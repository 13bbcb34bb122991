package repo

import (
	"context"
	"database/sql"
	"strings"

	"fleetcheck/internal/domain"
)

func (r Repo) InsertPendencyTx(ctx context.Context, tx *sql.Tx, p domain.FinancialPendency) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pendencies(id,execution_id,divergence_id,type,description,amount,status,due_date,approved_by,approved_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ExecutionID, nullableStringPtr(p.DivergenceID), p.Type, p.Description, p.Amount, p.Status,
		nullableStringPtr(p.DueDate), nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdatePendencyTx(ctx context.Context, tx *sql.Tx, p domain.FinancialPendency) error {
	res, err := tx.ExecContext(ctx, `UPDATE pendencies SET status=?, due_date=?, approved_by=?, approved_at=?, updated_at=? WHERE id=?`,
		p.Status, nullableStringPtr(p.DueDate), nullableStringPtr(p.ApprovedBy), nullableStringPtr(p.ApprovedAt), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPendency(ctx context.Context, id string) (domain.FinancialPendency, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+pendencySelectCols+` FROM pendencies WHERE id=?`, id)
	return scanPendency(row.Scan)
}

type PendencyFilters struct {
	ExecutionID  string
	DivergenceID string
	Status       string
	Limit        int
}

func (r Repo) ListPendencies(ctx context.Context, f PendencyFilters) ([]domain.FinancialPendency, error) {
	var clauses []string
	var args []any
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.DivergenceID != "" {
		clauses = append(clauses, "divergence_id=?")
		args = append(args, f.DivergenceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + pendencySelectCols + ` FROM pendencies ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FinancialPendency
	for rows.Next() {
		p, err := scanPendency(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const pendencySelectCols = `id,execution_id,divergence_id,type,description,amount,status,due_date,approved_by,approved_at,created_at,updated_at`

func scanPendency(scan func(...any) error) (domain.FinancialPendency, error) {
	var p domain.FinancialPendency
	var divergenceID, dueDate, approvedBy, approvedAt sql.NullString
	err := scan(&p.ID, &p.ExecutionID, &divergenceID, &p.Type, &p.Description, &p.Amount, &p.Status,
		&dueDate, &approvedBy, &approvedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if divergenceID.Valid {
		p.DivergenceID = &divergenceID.String
	}
	if dueDate.Valid {
		p.DueDate = &dueDate.String
	}
	if approvedBy.Valid {
		p.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.String
	}
	return p, nil
}
