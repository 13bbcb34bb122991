package engine

import (
	"context"
	"fmt"

	"fleetcheck/internal/domain"
	"fleetcheck/internal/events"
)

type DivergenceRecordOptions struct {
	ID              string
	ExecutionID     string
	Type            string
	Severity        string
	Description     string
	FinancialImpact bool
	EstimatedCost   *float64
	ActorID         string
}

// RecordDivergence registers a discrepancy found during or after an
// execution. Cancelled executions cannot accumulate divergences.
func (e Engine) RecordDivergence(ctx context.Context, opts DivergenceRecordOptions) (domain.Divergence, error) {
	exec, err := e.Repo.GetExecution(ctx, opts.ExecutionID)
	if err != nil {
		return domain.Divergence{}, err
	}
	if exec.Status == domain.ExecCancelled {
		return domain.Divergence{}, fmt.Errorf("execution %s is cancelled, divergences cannot be recorded", exec.ID)
	}
	if !domain.ValidDivergenceType(opts.Type) {
		return domain.Divergence{}, fmt.Errorf("invalid divergence type %q", opts.Type)
	}
	if opts.Severity == "" {
		opts.Severity = domain.SevMedium
	}
	if !domain.ValidSeverity(opts.Severity) {
		return domain.Divergence{}, fmt.Errorf("invalid severity %q", opts.Severity)
	}
	if opts.Description == "" {
		return domain.Divergence{}, fmt.Errorf("divergence description is required")
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	d := domain.Divergence{
		ID:              opts.ID,
		ExecutionID:     exec.ID,
		Type:            opts.Type,
		Severity:        opts.Severity,
		Description:     opts.Description,
		DetectedAt:      e.now(),
		FinancialImpact: opts.FinancialImpact,
		EstimatedCost:   opts.EstimatedCost,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Divergence{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDivergenceTx(ctx, tx, d); err != nil {
		return domain.Divergence{}, err
	}
	if err := e.Events.Append(ctx, tx, "divergence.recorded", e.fleetID(), "divergence", d.ID, opts.ActorID,
		events.EventPayload{"execution_id": exec.ID, "type": d.Type, "severity": d.Severity}); err != nil {
		return domain.Divergence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Divergence{}, err
	}
	return d, nil
}

// PendencyRequest asks for a financial pendency to be opened alongside a
// divergence resolution.
type PendencyRequest struct {
	Type        string
	Description string
	Amount      float64
}

// ResolveDivergence marks a divergence resolved exactly once. When the
// resolution carries a cost, the caller passes a PendencyRequest and the
// pendency opens in the same transaction, due in the configured number of
// days.
func (e Engine) ResolveDivergence(ctx context.Context, divergenceID, resolution, approvedBy string, req *PendencyRequest, actorID string) (domain.Divergence, *domain.FinancialPendency, error) {
	d, err := e.Repo.GetDivergence(ctx, divergenceID)
	if err != nil {
		return domain.Divergence{}, nil, err
	}
	if d.Resolved {
		return domain.Divergence{}, nil, &AlreadyResolvedError{DivergenceID: d.ID}
	}
	if resolution == "" {
		return domain.Divergence{}, nil, &MissingResolutionError{DivergenceID: d.ID}
	}
	var pendency *domain.FinancialPendency
	if req != nil {
		if !domain.ValidPendencyType(req.Type) {
			return domain.Divergence{}, nil, fmt.Errorf("invalid pendency type %q", req.Type)
		}
		if req.Amount <= 0 {
			return domain.Divergence{}, nil, fmt.Errorf("pendency amount must be positive, got %.2f", req.Amount)
		}
		desc := req.Description
		if desc == "" {
			desc = d.Description
		}
		now := e.now()
		pendency = &domain.FinancialPendency{
			ID:           newID(),
			ExecutionID:  d.ExecutionID,
			DivergenceID: &d.ID,
			Type:         req.Type,
			Description:  desc,
			Amount:       req.Amount,
			Status:       domain.PendencyPending,
			DueDate:      e.dueDate(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	d.Resolved = true
	d.Resolution = &resolution
	if approvedBy != "" {
		d.ApprovedBy = &approvedBy
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Divergence{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDivergenceTx(ctx, tx, d); err != nil {
		return domain.Divergence{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, "divergence.resolved", e.fleetID(), "divergence", d.ID, actorID,
		events.EventPayload{"execution_id": d.ExecutionID, "resolution": resolution}); err != nil {
		return domain.Divergence{}, nil, err
	}
	if pendency != nil {
		if err := e.Repo.InsertPendencyTx(ctx, tx, *pendency); err != nil {
			return domain.Divergence{}, nil, err
		}
		if err := e.Events.Append(ctx, tx, "pendency.created", e.fleetID(), "pendency", pendency.ID, actorID,
			events.EventPayload{"execution_id": d.ExecutionID, "divergence_id": d.ID, "type": pendency.Type, "amount": pendency.Amount}); err != nil {
			return domain.Divergence{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Divergence{}, nil, err
	}
	return d, pendency, nil
}
