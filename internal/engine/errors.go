package engine

import (
	"fmt"
	"strings"
)

// TemplateIssue points at the exact question or rule that failed template
// validation so callers can highlight the offending field.
type TemplateIssue struct {
	QuestionID string `json:"question_id,omitempty"`
	SectionID  string `json:"section_id,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	Message    string `json:"message"`
}

type TemplateValidationError struct {
	TemplateID string
	Issues     []TemplateIssue
}

func (e *TemplateValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		msgs = append(msgs, i.Message)
	}
	return fmt.Sprintf("template %s invalid: %s", e.TemplateID, strings.Join(msgs, "; "))
}

// QuestionFailure is one question blocking completion, with every rule
// message that failed for it.
type QuestionFailure struct {
	QuestionID string   `json:"question_id"`
	Messages   []string `json:"messages"`
}

type IncompleteChecklistError struct {
	ExecutionID string
	Failures    []QuestionFailure
}

func (e *IncompleteChecklistError) Error() string {
	return fmt.Sprintf("execution %s incomplete: %d question(s) failing validation", e.ExecutionID, len(e.Failures))
}

func (e *IncompleteChecklistError) QuestionIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.QuestionID)
	}
	return ids
}

type FuelInversionError struct {
	ExitLevel  float64
	EntryLevel float64
}

func (e *FuelInversionError) Error() string {
	return fmt.Sprintf("entry fuel level %.1f%% exceeds exit level %.1f%%", e.EntryLevel, e.ExitLevel)
}

type MissingResolutionError struct {
	DivergenceID string
}

func (e *MissingResolutionError) Error() string {
	return fmt.Sprintf("divergence %s: resolution text is required", e.DivergenceID)
}

type AlreadyResolvedError struct {
	DivergenceID string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("divergence %s is already resolved", e.DivergenceID)
}

type InvalidPendencyTransitionError struct {
	PendencyID string
	Current    string
	Attempted  string
}

func (e *InvalidPendencyTransitionError) Error() string {
	return fmt.Sprintf("pendency %s: cannot %s from status %s", e.PendencyID, e.Attempted, e.Current)
}

type EmptySelectionError struct{}

func (e *EmptySelectionError) Error() string {
	return "no pendencies selected"
}
