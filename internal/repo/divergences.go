package repo

import (
	"context"
	"database/sql"

	"fleetcheck/internal/domain"
)

func (r Repo) InsertDivergenceTx(ctx context.Context, tx *sql.Tx, d domain.Divergence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO divergences(id,execution_id,type,severity,description,detected_at,resolved,resolution,approved_by,financial_impact,estimated_cost)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ExecutionID, d.Type, d.Severity, d.Description, d.DetectedAt, boolInt(d.Resolved),
		nullableStringPtr(d.Resolution), nullableStringPtr(d.ApprovedBy), boolInt(d.FinancialImpact), nullableFloatPtr(d.EstimatedCost))
	return err
}

func (r Repo) UpdateDivergenceTx(ctx context.Context, tx *sql.Tx, d domain.Divergence) error {
	res, err := tx.ExecContext(ctx, `UPDATE divergences SET resolved=?, resolution=?, approved_by=? WHERE id=?`,
		boolInt(d.Resolved), nullableStringPtr(d.Resolution), nullableStringPtr(d.ApprovedBy), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDivergence(ctx context.Context, id string) (domain.Divergence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,execution_id,type,severity,description,detected_at,resolved,resolution,approved_by,financial_impact,estimated_cost FROM divergences WHERE id=?`, id)
	return scanDivergence(row.Scan)
}

func (r Repo) ListDivergencesByExecution(ctx context.Context, executionID string) ([]domain.Divergence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,type,severity,description,detected_at,resolved,resolution,approved_by,financial_impact,estimated_cost
FROM divergences WHERE execution_id=? ORDER BY detected_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDivergences(rows)
}

// ListOpenFinancialDivergences returns unresolved divergences carrying
// financial impact. They represent open exposure even before a pendency
// exists, so pendency review surfaces must list them separately.
func (r Repo) ListOpenFinancialDivergences(ctx context.Context) ([]domain.Divergence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,type,severity,description,detected_at,resolved,resolution,approved_by,financial_impact,estimated_cost
FROM divergences WHERE resolved=0 AND financial_impact=1 ORDER BY detected_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDivergences(rows)
}

func collectDivergences(rows *sql.Rows) ([]domain.Divergence, error) {
	var res []domain.Divergence
	for rows.Next() {
		d, err := scanDivergence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDivergence(scan func(...any) error) (domain.Divergence, error) {
	var d domain.Divergence
	var resolved, financialImpact int
	var resolution, approvedBy sql.NullString
	var estimatedCost sql.NullFloat64
	err := scan(&d.ID, &d.ExecutionID, &d.Type, &d.Severity, &d.Description, &d.DetectedAt,
		&resolved, &resolution, &approvedBy, &financialImpact, &estimatedCost)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Resolved = resolved != 0
	d.FinancialImpact = financialImpact != 0
	if resolution.Valid {
		d.Resolution = &resolution.String
	}
	if approvedBy.Valid {
		d.ApprovedBy = &approvedBy.String
	}
	if estimatedCost.Valid {
		d.EstimatedCost = &estimatedCost.Float64
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
