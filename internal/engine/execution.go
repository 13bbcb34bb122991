package engine

import (
	"context"
	"fmt"
	"time"

	"fleetcheck/internal/domain"
	"fleetcheck/internal/events"
	"fleetcheck/internal/repo"
)

type StartOptions struct {
	ID              string
	TemplateID      string
	TemplateVersion int
	VehicleID       string
	ContractID      *string
	DriverID        *string
	Type            string
	ExecutedBy      string
	Mileage         int
	Fuel            domain.FuelLevelData
	VehicleState    domain.VehicleState
	DeliveredItems  []domain.DeliveredItem
	Observations    string
}

// Start opens an execution against an active template, pinning the template
// version so later edits never change a running checklist. Entry executions
// need the fuel level recorded at the matching exit; when the caller does
// not supply it, the most recent completed exit for the vehicle (and
// contract) seeds it.
func (e Engine) Start(ctx context.Context, opts StartOptions) (domain.Execution, error) {
	if opts.VehicleID == "" {
		return domain.Execution{}, fmt.Errorf("vehicle id is required")
	}
	if opts.ExecutedBy == "" {
		return domain.Execution{}, fmt.Errorf("executed_by is required")
	}
	if opts.Type != domain.ExecutionExit && opts.Type != domain.ExecutionEntry {
		return domain.Execution{}, fmt.Errorf("execution type must be exit or entry, got %q", opts.Type)
	}
	t, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.Execution{}, err
	}
	if t.Status != domain.TemplateActive {
		return domain.Execution{}, fmt.Errorf("template %s is %s, only active templates can be executed", t.ID, t.Status)
	}
	if t.Type != domain.TemplateBoth && t.Type != opts.Type {
		return domain.Execution{}, fmt.Errorf("template %s is for %s executions, not %s", t.ID, t.Type, opts.Type)
	}
	version := opts.TemplateVersion
	if version == 0 {
		version = t.Version
	}
	pinned, err := e.Repo.GetTemplateVersion(ctx, t.ID, version)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("template %s version %d: %w", t.ID, version, err)
	}
	fuel := opts.Fuel
	if fuel.CurrentLevel < 0 || fuel.CurrentLevel > 100 {
		return domain.Execution{}, fmt.Errorf("fuel level %.1f out of range 0-100", fuel.CurrentLevel)
	}
	if fuel.TankCapacity <= 0 {
		return domain.Execution{}, fmt.Errorf("tank capacity must be positive, got %.1f", fuel.TankCapacity)
	}
	items := opts.DeliveredItems
	if opts.Type == domain.ExecutionEntry && fuel.PreviousLevel == nil {
		contractID := ""
		if opts.ContractID != nil {
			contractID = *opts.ContractID
		}
		exit, err := e.Repo.LatestCompletedExit(ctx, opts.VehicleID, contractID)
		if err == repo.ErrNotFound {
			return domain.Execution{}, fmt.Errorf("no completed exit execution found for vehicle %s; supply previous fuel level explicitly", opts.VehicleID)
		}
		if err != nil {
			return domain.Execution{}, err
		}
		level := exit.Fuel.CurrentLevel
		fuel.PreviousLevel = &level
		if len(items) == 0 {
			for _, it := range exit.DeliveredItems {
				items = append(items, domain.DeliveredItem{Name: it.Name, Delivered: it.Delivered})
			}
		}
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	responses := map[string]any{}
	for _, q := range pinned.AllQuestions() {
		if q.DefaultValue != nil {
			responses[q.ID] = q.DefaultValue
		}
	}
	exec := domain.Execution{
		ID:              opts.ID,
		TemplateID:      t.ID,
		TemplateVersion: version,
		VehicleID:       opts.VehicleID,
		ContractID:      opts.ContractID,
		DriverID:        opts.DriverID,
		Type:            opts.Type,
		Status:          domain.ExecStarted,
		Responses:       responses,
		Observations:    opts.Observations,
		ExecutedBy:      opts.ExecutedBy,
		StartedAt:       e.now(),
		VehicleState:    opts.VehicleState,
		Fuel:            fuel,
		Mileage:         opts.Mileage,
		DeliveredItems:  items,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, err
	}
	if err := e.Events.Append(ctx, tx, "execution.started", e.fleetID(), "execution", exec.ID, opts.ExecutedBy,
		events.EventPayload{"template_id": t.ID, "template_version": version, "vehicle_id": exec.VehicleID, "type": exec.Type}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// RecordResponse writes one answer and fires any clear rules it triggers.
// The first response moves the execution from started to in_progress.
func (e Engine) RecordResponse(ctx context.Context, executionID, questionID string, value any, actorID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status != domain.ExecStarted && exec.Status != domain.ExecInProgress {
		return domain.Execution{}, fmt.Errorf("execution %s is %s, responses can no longer be recorded", exec.ID, exec.Status)
	}
	t, err := e.Repo.GetTemplateVersion(ctx, exec.TemplateID, exec.TemplateVersion)
	if err != nil {
		return domain.Execution{}, err
	}
	q, ok := t.QuestionByID(questionID)
	if !ok {
		return domain.Execution{}, fmt.Errorf("question %s not in template %s v%d", questionID, exec.TemplateID, exec.TemplateVersion)
	}
	if err := checkResponseType(q, value); err != nil {
		return domain.Execution{}, err
	}
	next, cleared := ApplyResponse(t, exec.Responses, questionID, value, e.maxRulePasses())
	exec.Responses = next
	if exec.Status == domain.ExecStarted {
		exec.Status = domain.ExecInProgress
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, err
	}
	payload := events.EventPayload{"question_id": questionID}
	if len(cleared) > 0 {
		payload["cleared"] = cleared
	}
	if err := e.Events.Append(ctx, tx, "execution.response_recorded", e.fleetID(), "execution", exec.ID, actorID, payload); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

type CompleteOptions struct {
	Observations  *string
	VehicleState  *domain.VehicleState
	Fuel          *domain.FuelLevelData
	Mileage       *int
	Photos        []string
	Documents     []string
	ReturnedItems map[string]bool
	ExtraServices []domain.ExtraService
	ActorID       string
}

// Complete closes an execution. Every active required question must have a
// response passing all its validation rules, and every answered question
// must pass as well; otherwise the full failure list comes back as an
// IncompleteChecklistError. Responses of questions hidden by conditional
// rules are dropped from the stored set.
//
// Entry executions additionally reconcile fuel against the exit reading.
// Consumed fuel opens a fuel-difference divergence with a pending financial
// pendency in the same transaction.
func (e Engine) Complete(ctx context.Context, executionID string, opts CompleteOptions) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status != domain.ExecStarted && exec.Status != domain.ExecInProgress {
		return domain.Execution{}, fmt.Errorf("execution %s is %s and cannot be completed", exec.ID, exec.Status)
	}
	t, err := e.Repo.GetTemplateVersion(ctx, exec.TemplateID, exec.TemplateVersion)
	if err != nil {
		return domain.Execution{}, err
	}
	applyCompleteOptions(&exec, opts)

	state := DeriveState(t, exec.Responses, e.maxRulePasses())
	var failures []QuestionFailure
	for _, q := range t.AllQuestions() {
		if !state.Active[q.ID] || q.Type == domain.QNote {
			continue
		}
		msgs := ValidateResponse(q, exec.Responses[q.ID], state.Required[q.ID])
		if len(msgs) > 0 {
			failures = append(failures, QuestionFailure{QuestionID: q.ID, Messages: msgs})
		}
	}
	if len(failures) > 0 {
		return domain.Execution{}, &IncompleteChecklistError{ExecutionID: exec.ID, Failures: failures}
	}
	for id := range exec.Responses {
		if !state.Active[id] {
			delete(exec.Responses, id)
		}
	}

	now := e.now()
	var divergence *domain.Divergence
	var pendency *domain.FinancialPendency
	if exec.Type == domain.ExecutionEntry {
		if exec.Fuel.PreviousLevel == nil {
			return domain.Execution{}, fmt.Errorf("execution %s has no exit fuel level to reconcile against", exec.ID)
		}
		price := e.Config.Fuel.StandardPricePerLiter
		if exec.Fuel.CostPerLiter != nil {
			price = *exec.Fuel.CostPerLiter
		}
		rec, err := Reconcile(*exec.Fuel.PreviousLevel, exec.Fuel.CurrentLevel, exec.Fuel.TankCapacity, price)
		if err != nil {
			return domain.Execution{}, err
		}
		exec.Fuel.CalculatedDifference = &rec.LitersUsed
		exec.Fuel.TotalCost = &rec.TotalCost
		if rec.LitersUsed > 0 {
			cost := rec.TotalCost
			divergence = &domain.Divergence{
				ID:          newID(),
				ExecutionID: exec.ID,
				Type:        domain.DivFuelDifference,
				Severity:    domain.SevLow,
				Description: fmt.Sprintf("Vehicle returned with %.2fL less fuel (%.1f%% -> %.1f%%)", rec.LitersUsed, *exec.Fuel.PreviousLevel, exec.Fuel.CurrentLevel),
				DetectedAt:  now,

				FinancialImpact: true,
				EstimatedCost:   &cost,
			}
			pendency = &domain.FinancialPendency{
				ID:           newID(),
				ExecutionID:  exec.ID,
				DivergenceID: &divergence.ID,
				Type:         domain.PendFuelDifference,
				Description:  fmt.Sprintf("Fuel replacement: %.2fL at %.2f/L", rec.LitersUsed, rec.PricePerLiter),
				Amount:       rec.TotalCost,
				Status:       domain.PendencyPending,
				DueDate:      e.dueDate(),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
		}
	}

	exec.Status = domain.ExecCompleted
	exec.CompletedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, err
	}
	completedPayload := events.EventPayload{"type": exec.Type, "vehicle_id": exec.VehicleID}
	if exec.Fuel.CalculatedDifference != nil {
		completedPayload["liters_used"] = *exec.Fuel.CalculatedDifference
	}
	if err := e.Events.Append(ctx, tx, "execution.completed", e.fleetID(), "execution", exec.ID, opts.ActorID, completedPayload); err != nil {
		return domain.Execution{}, err
	}
	if divergence != nil {
		if err := e.Repo.InsertDivergenceTx(ctx, tx, *divergence); err != nil {
			return domain.Execution{}, err
		}
		if err := e.Events.Append(ctx, tx, "divergence.recorded", e.fleetID(), "divergence", divergence.ID, opts.ActorID,
			events.EventPayload{"execution_id": exec.ID, "type": divergence.Type, "severity": divergence.Severity}); err != nil {
			return domain.Execution{}, err
		}
	}
	if pendency != nil {
		if err := e.Repo.InsertPendencyTx(ctx, tx, *pendency); err != nil {
			return domain.Execution{}, err
		}
		if err := e.Events.Append(ctx, tx, "pendency.created", e.fleetID(), "pendency", pendency.ID, opts.ActorID,
			events.EventPayload{"execution_id": exec.ID, "type": pendency.Type, "amount": pendency.Amount}); err != nil {
			return domain.Execution{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// Cancel aborts an execution that has not completed.
func (e Engine) Cancel(ctx context.Context, executionID, reason, actorID string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status != domain.ExecStarted && exec.Status != domain.ExecInProgress {
		return domain.Execution{}, fmt.Errorf("execution %s is %s and cannot be cancelled", exec.ID, exec.Status)
	}
	exec.Status = domain.ExecCancelled
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, err
	}
	if err := e.Events.Append(ctx, tx, "execution.cancelled", e.fleetID(), "execution", exec.ID, actorID,
		events.EventPayload{"reason": reason}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

func (e Engine) dueDate() *string {
	days := 30
	if e.Config != nil && e.Config.Pendency.DueDays > 0 {
		days = e.Config.Pendency.DueDays
	}
	due := e.Now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
	return &due
}

func applyCompleteOptions(exec *domain.Execution, opts CompleteOptions) {
	if opts.Observations != nil {
		exec.Observations = *opts.Observations
	}
	if opts.VehicleState != nil {
		exec.VehicleState = *opts.VehicleState
	}
	if opts.Fuel != nil {
		f := *opts.Fuel
		if f.PreviousLevel == nil {
			f.PreviousLevel = exec.Fuel.PreviousLevel
		}
		exec.Fuel = f
	}
	if opts.Mileage != nil {
		exec.Mileage = *opts.Mileage
	}
	if len(opts.Photos) > 0 {
		exec.Photos = append(exec.Photos, opts.Photos...)
	}
	if len(opts.Documents) > 0 {
		exec.Documents = append(exec.Documents, opts.Documents...)
	}
	if len(opts.ReturnedItems) > 0 {
		for i := range exec.DeliveredItems {
			if returned, ok := opts.ReturnedItems[exec.DeliveredItems[i].Name]; ok {
				r := returned
				exec.DeliveredItems[i].Returned = &r
			}
		}
	}
	if len(opts.ExtraServices) > 0 {
		exec.ExtraServices = append(exec.ExtraServices, opts.ExtraServices...)
	}
}

// checkResponseType gates a response value against the question type before
// it is stored. JSON numbers arrive as float64 and checkbox answers as
// []any of strings.
func checkResponseType(q domain.Question, value any) error {
	if value == nil {
		return nil
	}
	switch q.Type {
	case domain.QText, domain.QDate, domain.QTime, domain.QDatetime, domain.QUpload, domain.QNote:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("question %s expects a string value", q.ID)
		}
	case domain.QNumber, domain.QCalculation:
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("question %s expects a numeric value", q.ID)
		}
	case domain.QDropdown, domain.QRadio:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("question %s expects a string value", q.ID)
		}
		if !optionAllowed(q.Options, s) {
			return fmt.Errorf("question %s: %q is not one of the allowed options", q.ID, s)
		}
	case domain.QCheckbox:
		items, err := stringSlice(value)
		if err != nil {
			return fmt.Errorf("question %s expects a list of strings", q.ID)
		}
		for _, item := range items {
			if !optionAllowed(q.Options, item) {
				return fmt.Errorf("question %s: %q is not one of the allowed options", q.ID, item)
			}
		}
	}
	return nil
}

func optionAllowed(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

func stringSlice(v any) ([]string, error) {
	switch items := v.(type) {
	case []string:
		return items, nil
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("not a string: %v", it)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("not a list")
}
