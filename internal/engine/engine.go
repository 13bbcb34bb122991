package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetcheck/internal/config"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/events"
	"fleetcheck/internal/repo"
)

// Engine owns every state transition of the checklist domain. Each public
// method runs in one transaction: the entity write and its event land
// together or not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	now := func() time.Time { return time.Now().UTC() }
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

func (e Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Engine) fleetID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Fleet.ID
}

func (e Engine) maxRulePasses() int {
	if e.Config == nil || e.Config.Checklist.MaxRulePasses <= 0 {
		return 8
	}
	return e.Config.Checklist.MaxRulePasses
}

func newID() string {
	return uuid.NewString()
}

type TemplateCreateOptions struct {
	ID          string
	Name        string
	Description string
	Type        string
	ActorID     string
}

// CreateTemplate registers a new template at version 1 in draft status and
// snapshots the initial definition.
func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.Template, error) {
	if opts.Name == "" {
		return domain.Template{}, fmt.Errorf("template name is required")
	}
	switch opts.Type {
	case domain.TemplateExit, domain.TemplateEntry, domain.TemplateBoth:
	default:
		return domain.Template{}, fmt.Errorf("template type must be exit, entry or both, got %q", opts.Type)
	}
	if opts.ID == "" {
		opts.ID = newID()
	}
	now := e.now()
	t := domain.Template{
		ID:          opts.ID,
		Name:        opts.Name,
		Description: opts.Description,
		Type:        opts.Type,
		Version:     1,
		Status:      domain.TemplateDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Repo.InsertTemplateVersionTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.created", e.fleetID(), "template", t.ID, opts.ActorID,
		events.EventPayload{"name": t.Name, "type": t.Type, "version": t.Version}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

type TemplateMetaUpdate struct {
	Name        *string
	Description *string
	Type        *string
	Status      *string
	ActorID     string
}

// UpdateTemplateMeta changes name, description, type or status without
// bumping the version; metadata is not part of the pinned definition
// executions depend on. Type only gates which new executions may start, so
// changing it never alters a running checklist.
func (e Engine) UpdateTemplateMeta(ctx context.Context, templateID string, upd TemplateMetaUpdate) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return domain.Template{}, fmt.Errorf("template name cannot be empty")
		}
		t.Name = *upd.Name
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Type != nil {
		switch *upd.Type {
		case domain.TemplateExit, domain.TemplateEntry, domain.TemplateBoth:
		default:
			return domain.Template{}, fmt.Errorf("template type must be exit, entry or both, got %q", *upd.Type)
		}
		t.Type = *upd.Type
	}
	if upd.Status != nil {
		switch *upd.Status {
		case domain.TemplateActive, domain.TemplateInactive, domain.TemplateDraft:
		default:
			return domain.Template{}, fmt.Errorf("invalid template status %q", *upd.Status)
		}
		if *upd.Status == domain.TemplateActive {
			if verr := validateTemplate(t); verr != nil {
				return domain.Template{}, verr
			}
		}
		t.Status = *upd.Status
	}
	t.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, "template.updated", e.fleetID(), "template", t.ID, upd.ActorID,
		events.EventPayload{"status": t.Status}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// saveStructural validates a structurally changed template, bumps its
// version, snapshots the new definition and appends an event, all in one
// transaction. Every section and question mutation funnels through here.
func (e Engine) saveStructural(ctx context.Context, t domain.Template, evtType, actorID string, payload events.EventPayload) (domain.Template, error) {
	if verr := validateTemplate(t); verr != nil {
		return domain.Template{}, verr
	}
	t.Version++
	t.UpdatedAt = e.now()
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["version"] = t.Version
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Repo.InsertTemplateVersionTx(ctx, tx, t); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, e.fleetID(), "template", t.ID, actorID, payload); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

type SectionInput struct {
	ID          string
	Name        string
	Description string
	Order       *int
}

func (e Engine) AddSection(ctx context.Context, templateID string, in SectionInput, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if in.Name == "" {
		return domain.Template{}, fmt.Errorf("section name is required")
	}
	if in.ID == "" {
		in.ID = newID()
	}
	if _, ok := t.SectionByID(in.ID); ok {
		return domain.Template{}, fmt.Errorf("section %s already exists", in.ID)
	}
	order := len(t.Sections)
	if in.Order != nil {
		order = *in.Order
	}
	t.Sections = append(t.Sections, domain.Section{
		ID:          in.ID,
		TemplateID:  t.ID,
		Name:        in.Name,
		Description: in.Description,
		Order:       order,
	})
	return e.saveStructural(ctx, t, "template.section_added", actorID, events.EventPayload{"section_id": in.ID})
}

func (e Engine) UpdateSection(ctx context.Context, templateID, sectionID string, in SectionInput, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	found := false
	for i := range t.Sections {
		if t.Sections[i].ID != sectionID {
			continue
		}
		found = true
		if in.Name != "" {
			t.Sections[i].Name = in.Name
		}
		if in.Description != "" {
			t.Sections[i].Description = in.Description
		}
		if in.Order != nil {
			t.Sections[i].Order = *in.Order
		}
	}
	if !found {
		return domain.Template{}, repo.ErrNotFound
	}
	return e.saveStructural(ctx, t, "template.section_updated", actorID, events.EventPayload{"section_id": sectionID})
}

// RemoveSection drops a section and every question inside it. Conditional
// rules elsewhere that target a removed question would dangle, so template
// validation rejects the removal in that case.
func (e Engine) RemoveSection(ctx context.Context, templateID, sectionID string, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if _, ok := t.SectionByID(sectionID); !ok {
		return domain.Template{}, repo.ErrNotFound
	}
	sections := t.Sections[:0]
	for _, s := range t.Sections {
		if s.ID != sectionID {
			sections = append(sections, s)
		}
	}
	t.Sections = sections
	questions := t.Questions[:0]
	for _, q := range t.Questions {
		if q.SectionID != sectionID {
			questions = append(questions, q)
		}
	}
	t.Questions = questions
	return e.saveStructural(ctx, t, "template.section_removed", actorID, events.EventPayload{"section_id": sectionID})
}

func (e Engine) AddQuestion(ctx context.Context, templateID string, q domain.Question, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if q.ID == "" {
		q.ID = newID()
	}
	if _, ok := t.QuestionByID(q.ID); ok {
		return domain.Template{}, fmt.Errorf("question %s already exists", q.ID)
	}
	if q.Order == 0 {
		for _, other := range t.Questions {
			if other.SectionID == q.SectionID {
				q.Order++
			}
		}
	}
	for i := range q.Validations {
		if q.Validations[i].ID == "" {
			q.Validations[i].ID = newID()
		}
	}
	for i := range q.ConditionalLogic {
		if q.ConditionalLogic[i].ID == "" {
			q.ConditionalLogic[i].ID = newID()
		}
	}
	t.Questions = append(t.Questions, q)
	return e.saveStructural(ctx, t, "template.question_added", actorID, events.EventPayload{"question_id": q.ID})
}

func (e Engine) UpdateQuestion(ctx context.Context, templateID string, q domain.Question, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	found := false
	for i := range t.Questions {
		if t.Questions[i].ID == q.ID {
			t.Questions[i] = q
			found = true
			break
		}
	}
	if !found {
		return domain.Template{}, repo.ErrNotFound
	}
	return e.saveStructural(ctx, t, "template.question_updated", actorID, events.EventPayload{"question_id": q.ID})
}

func (e Engine) RemoveQuestion(ctx context.Context, templateID, questionID string, actorID string) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if _, ok := t.QuestionByID(questionID); !ok {
		return domain.Template{}, repo.ErrNotFound
	}
	questions := t.Questions[:0]
	for _, q := range t.Questions {
		if q.ID != questionID {
			questions = append(questions, q)
		}
	}
	t.Questions = questions
	return e.saveStructural(ctx, t, "template.question_removed", actorID, events.EventPayload{"question_id": questionID})
}

// validateTemplate checks the structural invariants of a definition before
// it is snapshotted. It collects every issue rather than stopping at the
// first, so an author gets the full picture in one round trip.
func validateTemplate(t domain.Template) *TemplateValidationError {
	var issues []TemplateIssue
	sectionIDs := make(map[string]bool, len(t.Sections))
	for _, s := range t.Sections {
		if sectionIDs[s.ID] {
			issues = append(issues, TemplateIssue{SectionID: s.ID, Message: fmt.Sprintf("duplicate section id %s", s.ID)})
		}
		sectionIDs[s.ID] = true
		if s.Name == "" {
			issues = append(issues, TemplateIssue{SectionID: s.ID, Message: fmt.Sprintf("section %s has no name", s.ID)})
		}
	}
	sectionOrders := make(map[int]string, len(t.Sections))
	for _, s := range t.Sections {
		if other, ok := sectionOrders[s.Order]; ok {
			issues = append(issues, TemplateIssue{SectionID: s.ID, Message: fmt.Sprintf("section %s shares order %d with section %s", s.ID, s.Order, other)})
			continue
		}
		sectionOrders[s.Order] = s.ID
	}
	questionIDs := make(map[string]bool, len(t.Questions))
	for _, q := range t.Questions {
		if questionIDs[q.ID] {
			issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("duplicate question id %s", q.ID)})
		}
		questionIDs[q.ID] = true
	}
	questionOrders := make(map[string]map[int]string)
	for _, q := range t.Questions {
		orders := questionOrders[q.SectionID]
		if orders == nil {
			orders = make(map[int]string)
			questionOrders[q.SectionID] = orders
		}
		if other, ok := orders[q.Order]; ok {
			issues = append(issues, TemplateIssue{QuestionID: q.ID, SectionID: q.SectionID, Message: fmt.Sprintf("question %s shares order %d with question %s", q.ID, q.Order, other)})
			continue
		}
		orders[q.Order] = q.ID
	}
	for _, q := range t.Questions {
		if q.Label == "" {
			issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("question %s has no label", q.ID)})
		}
		if !sectionIDs[q.SectionID] {
			issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("question %s references unknown section %s", q.ID, q.SectionID)})
		}
		if !domain.ValidQuestionType(q.Type) {
			issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("question %s has invalid type %q", q.ID, q.Type)})
		}
		switch q.Type {
		case domain.QDropdown, domain.QRadio, domain.QCheckbox:
			if len(q.Options) == 0 {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("question %s of type %s needs options", q.ID, q.Type)})
			}
		case domain.QCalculation:
			if q.CalculationFormula == nil || *q.CalculationFormula == "" {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, Message: fmt.Sprintf("calculation question %s needs a formula", q.ID)})
			}
		}
		for _, r := range q.Validations {
			if !domain.ValidRuleKind(r.Kind) {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s has invalid validation kind %q", q.ID, r.Kind)})
			}
			switch r.Kind {
			case domain.RuleMinValue, domain.RuleMaxValue, domain.RuleMinLength, domain.RuleMaxLength, domain.RuleFileSize:
				if r.Value == nil {
					issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s: %s rule needs a numeric value", q.ID, r.Kind)})
				}
			case domain.RuleFileType:
				if r.Text == "" {
					issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s: file-type rule needs allowed extensions", q.ID)})
				}
			}
		}
		for _, r := range q.ConditionalLogic {
			if !domain.ValidCondition(r.Condition) {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s has invalid condition %q", q.ID, r.Condition)})
			}
			if !domain.ValidAction(r.Action) {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s has invalid action %q", q.ID, r.Action)})
			}
			if !questionIDs[r.TargetQuestionID] {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s rule targets unknown question %s", q.ID, r.TargetQuestionID)})
			}
			if r.TargetQuestionID == q.ID {
				issues = append(issues, TemplateIssue{QuestionID: q.ID, RuleID: r.ID, Message: fmt.Sprintf("question %s rule targets itself", q.ID)})
			}
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &TemplateValidationError{TemplateID: t.ID, Issues: issues}
}
