package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetcheck/internal/config"
	"fleetcheck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,name,description,type,version,status,definition_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), t.Type, t.Version, t.Status, string(def), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE templates SET name=?, description=?, type=?, version=?, status=?, definition_json=?, updated_at=? WHERE id=?`,
		t.Name, nullable(t.Description), t.Type, t.Version, t.Status, string(def), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var def string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM templates WHERE id=?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return domain.Template{}, ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return domain.Template{}, fmt.Errorf("decode template %s: %w", id, err)
	}
	return t, nil
}

type TemplateFilters struct {
	Type   string
	Status string
}

func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters) ([]domain.Template, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT definition_json FROM templates `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var t domain.Template
		if err := json.Unmarshal([]byte(def), &t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTemplateVersionTx snapshots the full definition for the given version.
// Executions pin a version, so snapshots are immutable once written.
func (r Repo) InsertTemplateVersionTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	def, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template version: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO template_versions(template_id,version,definition_json,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Version, string(def), t.UpdatedAt)
	return err
}

func (r Repo) GetTemplateVersion(ctx context.Context, templateID string, version int) (domain.Template, error) {
	var def string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM template_versions WHERE template_id=? AND version=?`, templateID, version).Scan(&def)
	if err == sql.ErrNoRows {
		return domain.Template{}, ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal([]byte(def), &t); err != nil {
		return domain.Template{}, fmt.Errorf("decode template %s v%d: %w", templateID, version, err)
	}
	return t, nil
}

func (r Repo) ListTemplateVersions(ctx context.Context, templateID string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version FROM template_versions WHERE template_id=? ORDER BY version ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r Repo) DeleteTemplate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertFleetConfig(ctx context.Context, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, r.DB, nil, fleetID, cfg)
}

func (r Repo) UpsertFleetConfigTx(ctx context.Context, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	return upsertFleetConfig(ctx, nil, tx, fleetID, cfg)
}

func upsertFleetConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, fleetID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Fleet.ID = fleetID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO fleet_configs(fleet_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(fleet_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, fleetID, string(payload), now, now)
	return err
}

func (r Repo) GetFleetConfig(ctx context.Context, fleetID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM fleet_configs WHERE fleet_id=?`, fleetID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Fleet.ID == "" {
		cfg.Fleet.ID = fleetID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, fleetID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if fleetID != "" {
		clauses = append(clauses, "fleet_id=?")
		args = append(args, fleetID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,fleet_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, fleetID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if fleetID != "" {
		clauses = append(clauses, "fleet_id=?")
		args = append(args, fleetID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,fleet_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a fleet.
func (r Repo) LatestEventID(ctx context.Context, fleetID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE fleet_id=?`, fleetID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var fleetID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &fleetID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if fleetID.Valid {
			e.FleetID = fleetID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
