package server

import (
	"encoding/json"

	"fleetcheck/internal/domain"
)

type CreateTemplateRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type" enum:"exit,entry,both"`
	ActorID     string `json:"actor_id"`
}

type UpdateTemplateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *string `json:"type,omitempty" enum:"exit,entry,both"`
	Status      *string `json:"status,omitempty" enum:"active,inactive,draft"`
	ActorID     string  `json:"actor_id"`
}

type SectionRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Order       *int   `json:"order,omitempty"`
	ActorID     string `json:"actor_id"`
}

type QuestionRequest struct {
	Question domain.Question `json:"question"`
	ActorID  string          `json:"actor_id"`
}

type StartExecutionRequest struct {
	ID              string                 `json:"id,omitempty"`
	TemplateID      string                 `json:"template_id"`
	TemplateVersion int                    `json:"template_version,omitempty"`
	VehicleID       string                 `json:"vehicle_id"`
	ContractID      *string                `json:"contract_id,omitempty"`
	DriverID        *string                `json:"driver_id,omitempty"`
	Type            string                 `json:"type" enum:"exit,entry"`
	ExecutedBy      string                 `json:"executed_by"`
	Mileage         int                    `json:"mileage,omitempty"`
	Fuel            domain.FuelLevelData   `json:"fuel"`
	VehicleState    domain.VehicleState    `json:"vehicle_state,omitempty"`
	DeliveredItems  []domain.DeliveredItem `json:"delivered_items,omitempty"`
	Observations    string                 `json:"observations,omitempty"`
}

type RecordResponseRequest struct {
	Value   any    `json:"value"`
	ActorID string `json:"actor_id"`
}

type CompleteExecutionRequest struct {
	Observations  *string               `json:"observations,omitempty"`
	VehicleState  *domain.VehicleState  `json:"vehicle_state,omitempty"`
	Fuel          *domain.FuelLevelData `json:"fuel,omitempty"`
	Mileage       *int                  `json:"mileage,omitempty"`
	Photos        []string              `json:"photos,omitempty"`
	Documents     []string              `json:"documents,omitempty"`
	ReturnedItems map[string]bool       `json:"returned_items,omitempty"`
	ExtraServices []domain.ExtraService `json:"extra_services,omitempty"`
	ActorID       string                `json:"actor_id"`
}

type CancelExecutionRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id"`
}

type RecordDivergenceRequest struct {
	ID              string   `json:"id,omitempty"`
	ExecutionID     string   `json:"execution_id"`
	Type            string   `json:"type" enum:"missing-item,damage,fuel-difference,service-not-completed,other"`
	Severity        string   `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Description     string   `json:"description"`
	FinancialImpact bool     `json:"financial_impact,omitempty"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
	ActorID         string   `json:"actor_id"`
}

type ResolveDivergenceRequest struct {
	Resolution string               `json:"resolution"`
	ApprovedBy string               `json:"approved_by,omitempty"`
	Pendency   *PendencyRequestBody `json:"pendency,omitempty"`
	ActorID    string               `json:"actor_id"`
}

type PendencyRequestBody struct {
	Type        string  `json:"type" enum:"fuel-difference,missing-item,damage-repair,extra-service,cleaning-fee,other"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
}

type ResolveDivergenceResponse struct {
	Divergence domain.Divergence         `json:"divergence"`
	Pendency   *domain.FinancialPendency `json:"pendency,omitempty"`
}

type ApprovePendencyRequest struct {
	ApprovedBy string `json:"approved_by"`
}

type RejectPendencyRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id"`
}

type PayPendencyRequest struct {
	ActorID string `json:"actor_id"`
}

type DispatchPendenciesRequest struct {
	PendencyIDs []string `json:"pendency_ids"`
	Notes       string   `json:"notes,omitempty"`
	ActorID     string   `json:"actor_id"`
}

type ReconcilePreviewRequest struct {
	ExitLevel    float64 `json:"exit_level"`
	EntryLevel   float64 `json:"entry_level"`
	TankCapacity float64 `json:"tank_capacity"`
	CostPerLiter float64 `json:"cost_per_liter,omitempty"`
}

type TemplateVersionsResponse struct {
	TemplateID string `json:"template_id"`
	Versions   []int  `json:"versions"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	FleetID    string          `json:"fleet_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FleetID:    e.FleetID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
