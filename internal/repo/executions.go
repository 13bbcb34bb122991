package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fleetcheck/internal/domain"
)

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	cols, err := executionColumns(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(id,template_id,template_version,vehicle_id,contract_id,driver_id,type,status,responses_json,photos_json,documents_json,observations,executed_by,started_at,completed_at,vehicle_state_json,fuel_json,mileage,delivered_items_json,extra_services_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TemplateID, e.TemplateVersion, e.VehicleID, nullableStringPtr(e.ContractID), nullableStringPtr(e.DriverID),
		e.Type, e.Status, cols.responses, cols.photos, cols.documents, nullable(e.Observations), e.ExecutedBy,
		e.StartedAt, nullableStringPtr(e.CompletedAt), cols.vehicleState, cols.fuel, e.Mileage, cols.deliveredItems, cols.extraServices)
	return err
}

func (r Repo) UpdateExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	cols, err := executionColumns(e)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, responses_json=?, photos_json=?, documents_json=?, observations=?, completed_at=?, vehicle_state_json=?, fuel_json=?, mileage=?, delivered_items_json=?, extra_services_json=? WHERE id=?`,
		e.Status, cols.responses, cols.photos, cols.documents, nullable(e.Observations), nullableStringPtr(e.CompletedAt),
		cols.vehicleState, cols.fuel, e.Mileage, cols.deliveredItems, cols.extraServices, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionSelectCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

type ExecutionFilters struct {
	VehicleID       string
	ContractID      string
	Type            string
	Status          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.VehicleID != "" {
		clauses = append(clauses, "vehicle_id=?")
		args = append(args, f.VehicleID)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + executionSelectCols + ` FROM executions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestCompletedExit finds the most recent completed exit execution for a
// vehicle (and contract, when given). Entry executions seed their previous
// fuel level from its current reading.
func (r Repo) LatestCompletedExit(ctx context.Context, vehicleID, contractID string) (domain.Execution, error) {
	clauses := []string{"vehicle_id=?", "type='exit'", "status='completed'"}
	args := []any{vehicleID}
	if contractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, contractID)
	}
	query := `SELECT ` + executionSelectCols + ` FROM executions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY completed_at DESC, id DESC LIMIT 1`
	row := r.DB.QueryRowContext(ctx, query, args...)
	return scanExecution(row.Scan)
}

const executionSelectCols = `id,template_id,template_version,vehicle_id,contract_id,driver_id,type,status,responses_json,photos_json,documents_json,observations,executed_by,started_at,completed_at,vehicle_state_json,fuel_json,mileage,delivered_items_json,extra_services_json`

type executionJSONCols struct {
	responses      string
	photos         any
	documents      any
	vehicleState   string
	fuel           string
	deliveredItems any
	extraServices  any
}

func executionColumns(e domain.Execution) (executionJSONCols, error) {
	var cols executionJSONCols
	if e.Responses == nil {
		e.Responses = map[string]any{}
	}
	responses, err := json.Marshal(e.Responses)
	if err != nil {
		return cols, fmt.Errorf("marshal responses: %w", err)
	}
	vehicleState, err := json.Marshal(e.VehicleState)
	if err != nil {
		return cols, fmt.Errorf("marshal vehicle state: %w", err)
	}
	fuel, err := json.Marshal(e.Fuel)
	if err != nil {
		return cols, fmt.Errorf("marshal fuel: %w", err)
	}
	cols.responses = string(responses)
	cols.vehicleState = string(vehicleState)
	cols.fuel = string(fuel)
	cols.photos = marshalOrNil(e.Photos)
	cols.documents = marshalOrNil(e.Documents)
	cols.deliveredItems = marshalOrNil(e.DeliveredItems)
	cols.extraServices = marshalOrNil(e.ExtraServices)
	return cols, nil
}

func marshalOrNil[T any](in []T) any {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func scanExecution(scan func(...any) error) (domain.Execution, error) {
	var e domain.Execution
	var contractID, driverID, photos, documents, observations, completedAt, deliveredItems, extraServices sql.NullString
	var responses, vehicleState, fuel string
	err := scan(&e.ID, &e.TemplateID, &e.TemplateVersion, &e.VehicleID, &contractID, &driverID, &e.Type, &e.Status,
		&responses, &photos, &documents, &observations, &e.ExecutedBy, &e.StartedAt, &completedAt,
		&vehicleState, &fuel, &e.Mileage, &deliveredItems, &extraServices)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if contractID.Valid {
		e.ContractID = &contractID.String
	}
	if driverID.Valid {
		e.DriverID = &driverID.String
	}
	if observations.Valid {
		e.Observations = observations.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	if err := json.Unmarshal([]byte(responses), &e.Responses); err != nil {
		return e, fmt.Errorf("decode responses: %w", err)
	}
	if err := json.Unmarshal([]byte(vehicleState), &e.VehicleState); err != nil {
		return e, fmt.Errorf("decode vehicle state: %w", err)
	}
	if err := json.Unmarshal([]byte(fuel), &e.Fuel); err != nil {
		return e, fmt.Errorf("decode fuel: %w", err)
	}
	if photos.Valid && photos.String != "" {
		_ = json.Unmarshal([]byte(photos.String), &e.Photos)
	}
	if documents.Valid && documents.String != "" {
		_ = json.Unmarshal([]byte(documents.String), &e.Documents)
	}
	if deliveredItems.Valid && deliveredItems.String != "" {
		_ = json.Unmarshal([]byte(deliveredItems.String), &e.DeliveredItems)
	}
	if extraServices.Valid && extraServices.String != "" {
		_ = json.Unmarshal([]byte(extraServices.String), &e.ExtraServices)
	}
	return e, nil
}
