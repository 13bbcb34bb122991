package engine

import (
	"context"
	"fmt"

	"fleetcheck/internal/domain"
	"fleetcheck/internal/events"
)

// ensurePendencyTransition enforces the pendency state machine:
// pending -> approved -> paid, or pending -> rejected. Rejected and paid
// are terminal.
func ensurePendencyTransition(p domain.FinancialPendency, next string) error {
	allowed := false
	switch next {
	case domain.PendencyApproved, domain.PendencyRejected:
		allowed = p.Status == domain.PendencyPending
	case domain.PendencyPaid:
		allowed = p.Status == domain.PendencyApproved
	}
	if !allowed {
		return &InvalidPendencyTransitionError{PendencyID: p.ID, Current: p.Status, Attempted: next}
	}
	return nil
}

// ApprovePendency moves a pending pendency to approved, recording who
// approved it and when.
func (e Engine) ApprovePendency(ctx context.Context, pendencyID, approvedBy string) (domain.FinancialPendency, error) {
	if approvedBy == "" {
		return domain.FinancialPendency{}, fmt.Errorf("approved_by is required")
	}
	return e.transitionPendency(ctx, pendencyID, domain.PendencyApproved, approvedBy, "pendency.approved", nil)
}

// RejectPendency moves a pending pendency to rejected. Rejected pendencies
// keep their record for audit but carry no further financial action.
func (e Engine) RejectPendency(ctx context.Context, pendencyID, actorID, reason string) (domain.FinancialPendency, error) {
	payload := events.EventPayload{}
	if reason != "" {
		payload["reason"] = reason
	}
	return e.transitionPendency(ctx, pendencyID, domain.PendencyRejected, actorID, "pendency.rejected", payload)
}

// MarkPendencyPaid settles an approved pendency.
func (e Engine) MarkPendencyPaid(ctx context.Context, pendencyID, actorID string) (domain.FinancialPendency, error) {
	return e.transitionPendency(ctx, pendencyID, domain.PendencyPaid, actorID, "pendency.paid", nil)
}

func (e Engine) transitionPendency(ctx context.Context, pendencyID, next, actorID, evtType string, payload events.EventPayload) (domain.FinancialPendency, error) {
	p, err := e.Repo.GetPendency(ctx, pendencyID)
	if err != nil {
		return domain.FinancialPendency{}, err
	}
	if err := ensurePendencyTransition(p, next); err != nil {
		return domain.FinancialPendency{}, err
	}
	now := e.now()
	p.Status = next
	p.UpdatedAt = now
	if next == domain.PendencyApproved {
		p.ApprovedBy = &actorID
		p.ApprovedAt = &now
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = next
	payload["amount"] = p.Amount
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FinancialPendency{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePendencyTx(ctx, tx, p); err != nil {
		return domain.FinancialPendency{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, e.fleetID(), "pendency", p.ID, actorID, payload); err != nil {
		return domain.FinancialPendency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FinancialPendency{}, err
	}
	return p, nil
}

// SendToFinancial dispatches a batch of pendencies to the financial system.
// Statuses are untouched; the dispatch is an event per pendency that the
// outbound notifier forwards. Only pending and approved pendencies can be
// dispatched.
func (e Engine) SendToFinancial(ctx context.Context, pendencyIDs []string, notes, actorID string) ([]domain.FinancialPendency, error) {
	if len(pendencyIDs) == 0 {
		return nil, &EmptySelectionError{}
	}
	batch := make([]domain.FinancialPendency, 0, len(pendencyIDs))
	for _, id := range pendencyIDs {
		p, err := e.Repo.GetPendency(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pendency %s: %w", id, err)
		}
		if p.Status != domain.PendencyPending && p.Status != domain.PendencyApproved {
			return nil, &InvalidPendencyTransitionError{PendencyID: p.ID, Current: p.Status, Attempted: "dispatch"}
		}
		batch = append(batch, p)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, p := range batch {
		payload := events.EventPayload{"amount": p.Amount, "type": p.Type, "status": p.Status, "batch_size": len(batch)}
		if notes != "" {
			payload["notes"] = notes
		}
		if err := e.Events.Append(ctx, tx, "pendency.dispatched", e.fleetID(), "pendency", p.ID, actorID, payload); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}
