package domain

type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type" enum:"exit,entry,both"`
	Version     int        `json:"version"`
	Status      string     `json:"status" enum:"active,inactive,draft"`
	Sections    []Section  `json:"sections"`
	Questions   []Question `json:"questions"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type Section struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

type Question struct {
	ID                 string            `json:"id"`
	SectionID          string            `json:"section_id"`
	Type               string            `json:"type" enum:"text,number,date,time,datetime,dropdown,checkbox,radio,upload,calculation,note"`
	Label              string            `json:"label"`
	Placeholder        string            `json:"placeholder,omitempty"`
	Description        string            `json:"description,omitempty"`
	Required           bool              `json:"required"`
	Order              int               `json:"order"`
	Options            []string          `json:"options,omitempty"`
	Validations        []ValidationRule  `json:"validations,omitempty"`
	ConditionalLogic   []ConditionalRule `json:"conditional_logic,omitempty"`
	CalculationFormula *string           `json:"calculation_formula,omitempty"`
	DefaultValue       any               `json:"default_value,omitempty"`
}

type ValidationRule struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind" enum:"required,email,phone,cpf,cnpj,min-value,max-value,min-length,max-length,file-type,file-size"`
	Value   *float64 `json:"value,omitempty"`
	Text    string   `json:"text,omitempty"`
	Message string   `json:"message"`
}

type ConditionalRule struct {
	ID               string `json:"id"`
	TargetQuestionID string `json:"target_question_id"`
	Condition        string `json:"condition" enum:"equals,not-equals,contains,greater-than,less-than"`
	Value            any    `json:"value"`
	Action           string `json:"action" enum:"show,hide,require,clear"`
}

type Execution struct {
	ID              string          `json:"id"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	VehicleID       string          `json:"vehicle_id"`
	ContractID      *string         `json:"contract_id,omitempty"`
	DriverID        *string         `json:"driver_id,omitempty"`
	Type            string          `json:"type" enum:"exit,entry"`
	Status          string          `json:"status" enum:"started,in_progress,completed,cancelled"`
	Responses       map[string]any  `json:"responses"`
	Photos          []string        `json:"photos,omitempty"`
	Documents       []string        `json:"documents,omitempty"`
	Observations    string          `json:"observations,omitempty"`
	ExecutedBy      string          `json:"executed_by"`
	StartedAt       string          `json:"started_at" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
	VehicleState    VehicleState    `json:"vehicle_state"`
	Fuel            FuelLevelData   `json:"fuel"`
	Mileage         int             `json:"mileage"`
	DeliveredItems  []DeliveredItem `json:"delivered_items,omitempty"`
	ExtraServices   []ExtraService  `json:"extra_services,omitempty"`
}

type VehicleState struct {
	ExteriorNotes   string `json:"exterior_notes,omitempty"`
	InteriorNotes   string `json:"interior_notes,omitempty"`
	TiresOK         bool   `json:"tires_ok"`
	SpareTire       bool   `json:"spare_tire"`
	Jack            bool   `json:"jack"`
	WarningTriangle bool   `json:"warning_triangle"`
}

// FuelLevelData carries the raw readings captured on every execution; the
// derived fields are set only on entry executions after reconciliation.
type FuelLevelData struct {
	CurrentLevel         float64  `json:"current_level"`
	TankCapacity         float64  `json:"tank_capacity"`
	CostPerLiter         *float64 `json:"cost_per_liter,omitempty"`
	PreviousLevel        *float64 `json:"previous_level,omitempty"`
	CalculatedDifference *float64 `json:"calculated_difference,omitempty"`
	TotalCost            *float64 `json:"total_cost,omitempty"`
}

type DeliveredItem struct {
	Name      string `json:"name"`
	Delivered bool   `json:"delivered"`
	Returned  *bool  `json:"returned,omitempty"`
}

type ExtraService struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Completed   bool    `json:"completed"`
	Cost        float64 `json:"cost"`
}

type Divergence struct {
	ID              string   `json:"id"`
	ExecutionID     string   `json:"execution_id"`
	Type            string   `json:"type" enum:"missing-item,damage,fuel-difference,service-not-completed,other"`
	Severity        string   `json:"severity" enum:"low,medium,high,critical"`
	Description     string   `json:"description"`
	DetectedAt      string   `json:"detected_at" format:"date-time"`
	Resolved        bool     `json:"resolved"`
	Resolution      *string  `json:"resolution,omitempty"`
	ApprovedBy      *string  `json:"approved_by,omitempty"`
	FinancialImpact bool     `json:"financial_impact"`
	EstimatedCost   *float64 `json:"estimated_cost,omitempty"`
}

type FinancialPendency struct {
	ID           string  `json:"id"`
	ExecutionID  string  `json:"execution_id"`
	DivergenceID *string `json:"divergence_id,omitempty"`
	Type         string  `json:"type" enum:"fuel-difference,missing-item,damage-repair,extra-service,cleaning-fee,other"`
	Description  string  `json:"description"`
	Amount       float64 `json:"amount"`
	Status       string  `json:"status" enum:"pending,approved,rejected,paid"`
	DueDate      *string `json:"due_date,omitempty" format:"date-time"`
	ApprovedBy   *string `json:"approved_by,omitempty"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FleetID    string `json:"fleet_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
