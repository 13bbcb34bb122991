package fleetchecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fleetcheck HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// Template represents the API template model (partial).
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version int    `json:"version"`
	Status  string `json:"status"`
}

// Execution represents an inspection run (partial).
type Execution struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	VehicleID       string         `json:"vehicle_id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Responses       map[string]any `json:"responses"`
	Fuel            FuelLevelData  `json:"fuel"`
}

// FuelLevelData carries fuel readings on an execution.
type FuelLevelData struct {
	CurrentLevel         float64  `json:"current_level"`
	TankCapacity         float64  `json:"tank_capacity"`
	CostPerLiter         *float64 `json:"cost_per_liter,omitempty"`
	PreviousLevel        *float64 `json:"previous_level,omitempty"`
	CalculatedDifference *float64 `json:"calculated_difference,omitempty"`
	TotalCost            *float64 `json:"total_cost,omitempty"`
}

// Divergence represents a discrepancy found during inspection.
type Divergence struct {
	ID              string  `json:"id"`
	ExecutionID     string  `json:"execution_id"`
	Type            string  `json:"type"`
	Severity        string  `json:"severity"`
	Description     string  `json:"description"`
	Resolved        bool    `json:"resolved"`
	Resolution      *string `json:"resolution,omitempty"`
	FinancialImpact bool    `json:"financial_impact"`
}

// Pendency represents a financial charge awaiting approval.
type Pendency struct {
	ID           string  `json:"id"`
	ExecutionID  string  `json:"execution_id"`
	DivergenceID *string `json:"divergence_id,omitempty"`
	Type         string  `json:"type"`
	Description  string  `json:"description"`
	Amount       float64 `json:"amount"`
	Status       string  `json:"status"`
	DueDate      *string `json:"due_date,omitempty"`
}

// FuelReconciliation is the priced fuel difference between exit and entry.
type FuelReconciliation struct {
	LitersUsed    float64 `json:"liters_used"`
	TotalCost     float64 `json:"total_cost"`
	PricePerLiter float64 `json:"price_per_liter"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FleetID    string         `json:"fleet_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTemplate creates a checklist template.
func (c *Client) CreateTemplate(ctx context.Context, name, tplType string) (Template, error) {
	body := map[string]any{
		"name":     name,
		"type":     tplType,
		"actor_id": c.ActorID,
	}
	var resp Template
	err := c.do(ctx, http.MethodPost, "v0/templates", body, &resp)
	return resp, err
}

// GetTemplate fetches a template by id.
func (c *Client) GetTemplate(ctx context.Context, id string) (Template, error) {
	var resp Template
	endpoint := fmt.Sprintf("v0/templates/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartExecutionInput describes a new execution.
type StartExecutionInput struct {
	TemplateID   string        `json:"template_id"`
	VehicleID    string        `json:"vehicle_id"`
	ContractID   *string       `json:"contract_id,omitempty"`
	Type         string        `json:"type"`
	Mileage      int           `json:"mileage,omitempty"`
	Fuel         FuelLevelData `json:"fuel"`
	Observations string        `json:"observations,omitempty"`
}

// StartExecution opens an execution against an active template.
func (c *Client) StartExecution(ctx context.Context, in StartExecutionInput) (Execution, error) {
	body := map[string]any{
		"template_id":  in.TemplateID,
		"vehicle_id":   in.VehicleID,
		"contract_id":  in.ContractID,
		"type":         in.Type,
		"mileage":      in.Mileage,
		"fuel":         in.Fuel,
		"observations": in.Observations,
		"executed_by":  c.ActorID,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "v0/executions", body, &resp)
	return resp, err
}

// RecordResponse records one answer on a running execution.
func (c *Client) RecordResponse(ctx context.Context, executionID, questionID string, value any) (Execution, error) {
	body := map[string]any{
		"value":    value,
		"actor_id": c.ActorID,
	}
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/responses/%s", url.PathEscape(executionID), url.PathEscape(questionID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// CompleteExecution closes an execution. Entry executions reconcile fuel and
// may open a divergence with a pendency server-side.
func (c *Client) CompleteExecution(ctx context.Context, executionID string, fuel *FuelLevelData, observations string) (Execution, error) {
	body := map[string]any{
		"actor_id": c.ActorID,
	}
	if fuel != nil {
		body["fuel"] = fuel
	}
	if observations != "" {
		body["observations"] = observations
	}
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/complete", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelExecution cancels a running execution.
func (c *Client) CancelExecution(ctx context.Context, executionID, reason string) (Execution, error) {
	body := map[string]any{
		"reason":   reason,
		"actor_id": c.ActorID,
	}
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/cancel", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordDivergence registers a discrepancy on an execution.
func (c *Client) RecordDivergence(ctx context.Context, executionID, divType, severity, description string, financialImpact bool) (Divergence, error) {
	body := map[string]any{
		"execution_id":     executionID,
		"type":             divType,
		"severity":         severity,
		"description":      description,
		"financial_impact": financialImpact,
		"actor_id":         c.ActorID,
	}
	var resp Divergence
	err := c.do(ctx, http.MethodPost, "v0/divergences", body, &resp)
	return resp, err
}

// ResolveDivergence settles a divergence; a non-nil amount opens a pendency.
func (c *Client) ResolveDivergence(ctx context.Context, divergenceID, resolution, pendencyType string, amount *float64) (Divergence, *Pendency, error) {
	body := map[string]any{
		"resolution": resolution,
		"actor_id":   c.ActorID,
	}
	if amount != nil {
		body["pendency"] = map[string]any{
			"type":   pendencyType,
			"amount": *amount,
		}
	}
	var resp struct {
		Divergence Divergence `json:"divergence"`
		Pendency   *Pendency  `json:"pendency"`
	}
	endpoint := fmt.Sprintf("v0/divergences/%s/resolve", url.PathEscape(divergenceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Divergence, resp.Pendency, err
}

// ApprovePendency approves a pending pendency.
func (c *Client) ApprovePendency(ctx context.Context, pendencyID string) (Pendency, error) {
	body := map[string]any{"approved_by": c.ActorID}
	var resp Pendency
	endpoint := fmt.Sprintf("v0/pendencies/%s/approve", url.PathEscape(pendencyID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DispatchPendencies sends pendencies to the financial system.
func (c *Client) DispatchPendencies(ctx context.Context, pendencyIDs []string, notes string) ([]Pendency, error) {
	body := map[string]any{
		"pendency_ids": pendencyIDs,
		"notes":        notes,
		"actor_id":     c.ActorID,
	}
	var resp []Pendency
	err := c.do(ctx, http.MethodPost, "v0/pendencies/dispatch", body, &resp)
	return resp, err
}

// ReconcileFuel previews a fuel reconciliation.
func (c *Client) ReconcileFuel(ctx context.Context, exitLevel, entryLevel, tankCapacity, costPerLiter float64) (FuelReconciliation, error) {
	body := map[string]any{
		"exit_level":     exitLevel,
		"entry_level":    entryLevel,
		"tank_capacity":  tankCapacity,
		"cost_per_liter": costPerLiter,
	}
	var resp FuelReconciliation
	err := c.do(ctx, http.MethodPost, "v0/fuel/reconcile", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
