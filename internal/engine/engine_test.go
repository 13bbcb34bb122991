package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"fleetcheck/internal/config"
	"fleetcheck/internal/db"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
	"fleetcheck/internal/migrate"
	"fleetcheck/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("fleet-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertFleetConfig(ctx, "fleet-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// checklistTemplate builds and activates a template with one required
// mileage question and a conditional damage description.
func checklistTemplate(t *testing.T, env testEnv, tplType string) domain.Template {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		ID: "tpl-1", Name: "Vehicle checklist", Type: tplType, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	tpl, err = env.Engine.AddSection(env.Ctx, tpl.ID, engine.SectionInput{ID: "sec-1", Name: "General"}, "tester")
	if err != nil {
		t.Fatalf("add section: %v", err)
	}
	tpl, err = env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-odo", SectionID: "sec-1", Type: domain.QNumber, Label: "Odometer", Required: true, Order: 0,
	}, "tester")
	if err != nil {
		t.Fatalf("add odometer question: %v", err)
	}
	tpl, err = env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-damage", SectionID: "sec-1", Type: domain.QRadio, Label: "Any damage?", Required: true, Order: 1,
		Options: []string{"yes", "no"},
	}, "tester")
	if err != nil {
		t.Fatalf("add damage question: %v", err)
	}
	tpl, err = env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-damage-desc", SectionID: "sec-1", Type: domain.QText, Label: "Describe the damage", Required: true, Order: 2,
		ConditionalLogic: []domain.ConditionalRule{
			{ID: "r-show", TargetQuestionID: "q-damage", Condition: domain.CondEquals, Value: "yes", Action: domain.ActionShow},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("add description question: %v", err)
	}
	status := domain.TemplateActive
	tpl, err = env.Engine.UpdateTemplateMeta(env.Ctx, tpl.ID, engine.TemplateMetaUpdate{Status: &status, ActorID: "tester"})
	if err != nil {
		t.Fatalf("activate template: %v", err)
	}
	return tpl
}

func startExecution(t *testing.T, env testEnv, tpl domain.Template, execType string, fuel domain.FuelLevelData) domain.Execution {
	t.Helper()
	exec, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		TemplateID: tpl.ID,
		VehicleID:  "veh-1",
		Type:       execType,
		ExecutedBy: "driver-1",
		Mileage:    42000,
		Fuel:       fuel,
	})
	if err != nil {
		t.Fatalf("start %s execution: %v", execType, err)
	}
	return exec
}

func answerBase(t *testing.T, env testEnv, execID string) {
	t.Helper()
	if _, err := env.Engine.RecordResponse(env.Ctx, execID, "q-odo", float64(42100), "driver-1"); err != nil {
		t.Fatalf("record odometer: %v", err)
	}
	if _, err := env.Engine.RecordResponse(env.Ctx, execID, "q-damage", "no", "driver-1"); err != nil {
		t.Fatalf("record damage: %v", err)
	}
}

func TestTemplateVersioningIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	// create + section + 3 questions = 5 versions
	if tpl.Version != 5 {
		t.Fatalf("version = %d, want 5", tpl.Version)
	}
	versions, err := env.Engine.Repo.ListTemplateVersions(env.Ctx, tpl.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("versions not contiguous: %v", versions)
		}
	}
	v2, err := env.Engine.Repo.GetTemplateVersion(env.Ctx, tpl.ID, 2)
	if err != nil {
		t.Fatalf("get v2: %v", err)
	}
	if len(v2.Questions) != 0 {
		t.Fatalf("v2 snapshot should predate questions, has %d", len(v2.Questions))
	}
}

func TestMetaUpdateDoesNotBumpVersion(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	before := tpl.Version
	name := "Renamed checklist"
	tpl, err := env.Engine.UpdateTemplateMeta(env.Ctx, tpl.ID, engine.TemplateMetaUpdate{Name: &name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if tpl.Version != before {
		t.Fatalf("rename bumped version %d -> %d", before, tpl.Version)
	}
}

func TestTemplateValidationRejectsDanglingRuleTarget(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "t", Type: domain.TemplateExit, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSection(env.Ctx, tpl.ID, engine.SectionInput{ID: "s", Name: "s"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-1", SectionID: "s", Type: domain.QText, Label: "Q",
		ConditionalLogic: []domain.ConditionalRule{
			{TargetQuestionID: "q-missing", Condition: domain.CondEquals, Value: "x", Action: domain.ActionShow},
		},
	}, "tester")
	var verr *engine.TemplateValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected TemplateValidationError, got %v", err)
	}
}

func TestTemplateValidationRejectsSelfReference(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "t", Type: domain.TemplateExit, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSection(env.Ctx, tpl.ID, engine.SectionInput{ID: "s", Name: "s"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-1", SectionID: "s", Type: domain.QText, Label: "Q",
		ConditionalLogic: []domain.ConditionalRule{
			{TargetQuestionID: "q-1", Condition: domain.CondEquals, Value: "x", Action: domain.ActionHide},
		},
	}, "tester")
	var verr *engine.TemplateValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected TemplateValidationError, got %v", err)
	}
}

func TestDraftTemplateCannotBeExecuted(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "draft", Type: domain.TemplateExit, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Start(env.Ctx, engine.StartOptions{
		TemplateID: tpl.ID, VehicleID: "veh-1", Type: domain.ExecutionExit, ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 80, TankCapacity: 60},
	})
	if err == nil {
		t.Fatalf("expected draft template rejection")
	}
}

func TestExecutionPinsTemplateVersion(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	pinned := exec.TemplateVersion

	// editing the template after start must not affect the running execution
	if _, err := env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-late", SectionID: "sec-1", Type: domain.QText, Label: "Added later", Required: true,
	}, "tester"); err != nil {
		t.Fatalf("edit template: %v", err)
	}

	answerBase(t, env, exec.ID)
	done, err := env.Engine.Complete(env.Ctx, exec.ID, engine.CompleteOptions{ActorID: "driver-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.ExecCompleted || done.CompletedAt == nil {
		t.Fatalf("not completed: %+v", done)
	}
	if done.TemplateVersion != pinned {
		t.Fatalf("pinned version changed %d -> %d", pinned, done.TemplateVersion)
	}
}

func TestRecordResponseMovesToInProgress(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	if exec.Status != domain.ExecStarted {
		t.Fatalf("status = %s, want started", exec.Status)
	}
	exec, err := env.Engine.RecordResponse(env.Ctx, exec.ID, "q-odo", float64(42100), "driver-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if exec.Status != domain.ExecInProgress {
		t.Fatalf("status = %s, want in_progress", exec.Status)
	}
}

func TestRecordResponseRejectsUnknownOption(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	if _, err := env.Engine.RecordResponse(env.Ctx, exec.ID, "q-damage", "maybe", "driver-1"); err == nil {
		t.Fatalf("expected option rejection")
	}
}

func TestCompleteReportsAllFailingQuestions(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	// answer damage = yes so the description becomes active and required too
	if _, err := env.Engine.RecordResponse(env.Ctx, exec.ID, "q-damage", "yes", "driver-1"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Complete(env.Ctx, exec.ID, engine.CompleteOptions{ActorID: "driver-1"})
	var inc *engine.IncompleteChecklistError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteChecklistError, got %v", err)
	}
	ids := inc.QuestionIDs()
	if len(ids) != 2 {
		t.Fatalf("expected both unanswered questions reported, got %v", ids)
	}
}

func TestCompleteSkipsHiddenRequiredQuestion(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	answerBase(t, env, exec.ID)
	// q-damage-desc is required but hidden while damage = no
	done, err := env.Engine.Complete(env.Ctx, exec.ID, engine.CompleteOptions{ActorID: "driver-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := done.Responses["q-damage-desc"]; ok {
		t.Fatalf("hidden question response should be pruned")
	}
}

func TestEntrySeedsPreviousLevelAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)

	exit := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	answerBase(t, env, exit.ID)
	if _, err := env.Engine.Complete(env.Ctx, exit.ID, engine.CompleteOptions{ActorID: "driver-1"}); err != nil {
		t.Fatalf("complete exit: %v", err)
	}

	entry := startExecution(t, env, tpl, domain.ExecutionEntry, domain.FuelLevelData{CurrentLevel: 65, TankCapacity: 60})
	if entry.Fuel.PreviousLevel == nil || *entry.Fuel.PreviousLevel != 85 {
		t.Fatalf("previous level not seeded from exit: %+v", entry.Fuel)
	}
	answerBase(t, env, entry.ID)
	done, err := env.Engine.Complete(env.Ctx, entry.ID, engine.CompleteOptions{ActorID: "driver-1"})
	if err != nil {
		t.Fatalf("complete entry: %v", err)
	}
	if done.Fuel.CalculatedDifference == nil || *done.Fuel.CalculatedDifference != 12.00 {
		t.Fatalf("calculated difference = %v, want 12.00", done.Fuel.CalculatedDifference)
	}
	if done.Fuel.TotalCost == nil || *done.Fuel.TotalCost != 70.68 {
		t.Fatalf("total cost = %v, want 70.68", done.Fuel.TotalCost)
	}

	divs, err := env.Engine.Repo.ListDivergencesByExecution(env.Ctx, done.ID)
	if err != nil || len(divs) != 1 {
		t.Fatalf("expected one fuel divergence, got %v %v", divs, err)
	}
	if divs[0].Type != domain.DivFuelDifference || !divs[0].FinancialImpact {
		t.Fatalf("unexpected divergence: %+v", divs[0])
	}

	pends, err := env.Engine.Repo.ListPendencies(env.Ctx, repo.PendencyFilters{ExecutionID: done.ID})
	if err != nil || len(pends) != 1 {
		t.Fatalf("expected one pendency, got %v %v", pends, err)
	}
	p := pends[0]
	if p.Status != domain.PendencyPending || p.Amount != 70.68 {
		t.Fatalf("unexpected pendency: %+v", p)
	}
	if p.DueDate == nil || *p.DueDate != "2024-01-31T00:00:00Z" {
		t.Fatalf("due date = %v, want 30 days out", p.DueDate)
	}
}

func TestEntryWithSameFuelLevelOpensNothing(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)

	exit := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 60, TankCapacity: 60})
	answerBase(t, env, exit.ID)
	if _, err := env.Engine.Complete(env.Ctx, exit.ID, engine.CompleteOptions{ActorID: "driver-1"}); err != nil {
		t.Fatal(err)
	}
	entry := startExecution(t, env, tpl, domain.ExecutionEntry, domain.FuelLevelData{CurrentLevel: 60, TankCapacity: 60})
	answerBase(t, env, entry.ID)
	done, err := env.Engine.Complete(env.Ctx, entry.ID, engine.CompleteOptions{ActorID: "driver-1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	pends, err := env.Engine.Repo.ListPendencies(env.Ctx, repo.PendencyFilters{ExecutionID: done.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(pends) != 0 {
		t.Fatalf("zero consumption must not open a pendency: %+v", pends)
	}
}

func TestEntryFuelInversionBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)

	exit := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 60, TankCapacity: 60})
	answerBase(t, env, exit.ID)
	if _, err := env.Engine.Complete(env.Ctx, exit.ID, engine.CompleteOptions{ActorID: "driver-1"}); err != nil {
		t.Fatal(err)
	}
	entry := startExecution(t, env, tpl, domain.ExecutionEntry, domain.FuelLevelData{CurrentLevel: 80, TankCapacity: 60})
	answerBase(t, env, entry.ID)
	_, err := env.Engine.Complete(env.Ctx, entry.ID, engine.CompleteOptions{ActorID: "driver-1"})
	var inv *engine.FuelInversionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected FuelInversionError, got %v", err)
	}
	// execution must stay open for correction
	got, err := env.Engine.Repo.GetExecution(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExecInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestEntryWithoutExitNeedsExplicitPreviousLevel(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	_, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		TemplateID: tpl.ID, VehicleID: "veh-without-exit", Type: domain.ExecutionEntry, ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 50, TankCapacity: 60},
	})
	if err == nil {
		t.Fatalf("expected error when no exit exists and previous level missing")
	}
	prev := 70.0
	exec, err := env.Engine.Start(env.Ctx, engine.StartOptions{
		TemplateID: tpl.ID, VehicleID: "veh-without-exit", Type: domain.ExecutionEntry, ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 50, TankCapacity: 60, PreviousLevel: &prev},
	})
	if err != nil {
		t.Fatalf("explicit previous level should allow start: %v", err)
	}
	if *exec.Fuel.PreviousLevel != 70 {
		t.Fatalf("previous level overwritten: %+v", exec.Fuel)
	}
}

func TestCancelTerminalStates(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	cancelled, err := env.Engine.Cancel(env.Ctx, exec.ID, "wrong vehicle", "driver-1")
	if err != nil || cancelled.Status != domain.ExecCancelled {
		t.Fatalf("cancel: %v %+v", err, cancelled)
	}
	if _, err := env.Engine.Cancel(env.Ctx, exec.ID, "again", "driver-1"); err == nil {
		t.Fatalf("expected double cancel rejection")
	}
	if _, err := env.Engine.RecordResponse(env.Ctx, exec.ID, "q-odo", float64(1), "driver-1"); err == nil {
		t.Fatalf("expected response rejection on cancelled execution")
	}
}

func completedEntryWithPendency(t *testing.T, env testEnv) domain.FinancialPendency {
	t.Helper()
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exit := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})
	answerBase(t, env, exit.ID)
	if _, err := env.Engine.Complete(env.Ctx, exit.ID, engine.CompleteOptions{ActorID: "driver-1"}); err != nil {
		t.Fatal(err)
	}
	entry := startExecution(t, env, tpl, domain.ExecutionEntry, domain.FuelLevelData{CurrentLevel: 65, TankCapacity: 60})
	answerBase(t, env, entry.ID)
	if _, err := env.Engine.Complete(env.Ctx, entry.ID, engine.CompleteOptions{ActorID: "driver-1"}); err != nil {
		t.Fatal(err)
	}
	pends, err := env.Engine.Repo.ListPendencies(env.Ctx, repo.PendencyFilters{ExecutionID: entry.ID})
	if err != nil || len(pends) != 1 {
		t.Fatalf("pendency setup failed: %v %v", pends, err)
	}
	return pends[0]
}

func TestPendencyApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	p := completedEntryWithPendency(t, env)

	approved, err := env.Engine.ApprovePendency(env.Ctx, p.ID, "manager-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.PendencyApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "manager-1" {
		t.Fatalf("approval not recorded: %+v", approved)
	}
	if approved.ApprovedAt == nil {
		t.Fatalf("approved_at not set")
	}
	paid, err := env.Engine.MarkPendencyPaid(env.Ctx, p.ID, "finance-1")
	if err != nil || paid.Status != domain.PendencyPaid {
		t.Fatalf("mark paid: %v %+v", err, paid)
	}
}

func TestPendencyInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := completedEntryWithPendency(t, env)

	// paid requires approved first
	_, err := env.Engine.MarkPendencyPaid(env.Ctx, p.ID, "finance-1")
	var tre *engine.InvalidPendencyTransitionError
	if !errors.As(err, &tre) {
		t.Fatalf("expected InvalidPendencyTransitionError, got %v", err)
	}
	if tre.Current != domain.PendencyPending || tre.Attempted != domain.PendencyPaid {
		t.Fatalf("error fields wrong: %+v", tre)
	}

	if _, err := env.Engine.RejectPendency(env.Ctx, p.ID, "manager-1", "disputed"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// rejected is terminal
	if _, err := env.Engine.ApprovePendency(env.Ctx, p.ID, "manager-1"); !errors.As(err, &tre) {
		t.Fatalf("expected transition error after rejection, got %v", err)
	}
}

func TestDivergenceResolveOnce(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateBoth)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60})

	cost := 150.0
	d, err := env.Engine.RecordDivergence(env.Ctx, engine.DivergenceRecordOptions{
		ExecutionID: exec.ID, Type: domain.DivDamage, Severity: domain.SevHigh,
		Description: "Dent on rear door", FinancialImpact: true, EstimatedCost: &cost, ActorID: "inspector-1",
	})
	if err != nil {
		t.Fatalf("record divergence: %v", err)
	}

	_, _, err = env.Engine.ResolveDivergence(env.Ctx, d.ID, "", "manager-1", nil, "manager-1")
	var missing *engine.MissingResolutionError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingResolutionError, got %v", err)
	}

	resolved, pendency, err := env.Engine.ResolveDivergence(env.Ctx, d.ID, "Customer accepted repair charge", "manager-1",
		&engine.PendencyRequest{Type: domain.PendDamageRepair, Amount: 150}, "manager-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.Resolution == nil {
		t.Fatalf("not resolved: %+v", resolved)
	}
	if pendency == nil || pendency.Status != domain.PendencyPending || pendency.Amount != 150 {
		t.Fatalf("pendency not opened: %+v", pendency)
	}
	if pendency.DivergenceID == nil || *pendency.DivergenceID != d.ID {
		t.Fatalf("pendency not linked to divergence: %+v", pendency)
	}

	_, _, err = env.Engine.ResolveDivergence(env.Ctx, d.ID, "again", "manager-1", nil, "manager-1")
	var already *engine.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
}

func TestSendToFinancial(t *testing.T) {
	env := newTestEnv(t)
	p := completedEntryWithPendency(t, env)

	_, err := env.Engine.SendToFinancial(env.Ctx, nil, "", "finance-1")
	var empty *engine.EmptySelectionError
	if !errors.As(err, &empty) {
		t.Fatalf("expected EmptySelectionError, got %v", err)
	}

	batch, err := env.Engine.SendToFinancial(env.Ctx, []string{p.ID}, "monthly batch", "finance-1")
	if err != nil || len(batch) != 1 {
		t.Fatalf("dispatch: %v %v", err, batch)
	}
	// dispatch never changes status
	got, err := env.Engine.Repo.GetPendency(env.Ctx, p.ID)
	if err != nil || got.Status != domain.PendencyPending {
		t.Fatalf("status changed on dispatch: %v %+v", err, got)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "fleet-1", "pendency.dispatched", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected dispatch event, got %v %v", evts, err)
	}

	// rejected pendencies cannot be dispatched
	if _, err := env.Engine.RejectPendency(env.Ctx, p.ID, "manager-1", ""); err != nil {
		t.Fatal(err)
	}
	var tre *engine.InvalidPendencyTransitionError
	if _, err := env.Engine.SendToFinancial(env.Ctx, []string{p.ID}, "", "finance-1"); !errors.As(err, &tre) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestTemplateTypeChangeDoesNotBumpVersion(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateExit)
	before := tpl.Version

	next := domain.TemplateBoth
	tpl, err := env.Engine.UpdateTemplateMeta(env.Ctx, tpl.ID, engine.TemplateMetaUpdate{Type: &next, ActorID: "tester"})
	if err != nil {
		t.Fatalf("change type: %v", err)
	}
	if tpl.Type != domain.TemplateBoth || tpl.Version != before {
		t.Fatalf("type = %s version = %d, want both/%d", tpl.Type, tpl.Version, before)
	}

	bad := "inbound"
	if _, err := env.Engine.UpdateTemplateMeta(env.Ctx, tpl.ID, engine.TemplateMetaUpdate{Type: &bad, ActorID: "tester"}); err == nil {
		t.Fatal("expected invalid type to be rejected")
	}
}

func TestDuplicateQuestionOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateExit)

	_, err := env.Engine.AddQuestion(env.Ctx, tpl.ID, domain.Question{
		ID: "q-clash", SectionID: "sec-1", Type: domain.QText, Label: "Clash", Order: 1,
	}, "tester")
	var verr *engine.TemplateValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected TemplateValidationError, got %v", err)
	}
}

func TestReloadedExecutionRederivesSameActiveSet(t *testing.T) {
	env := newTestEnv(t)
	tpl := checklistTemplate(t, env, domain.TemplateExit)
	exec := startExecution(t, env, tpl, domain.ExecutionExit, domain.FuelLevelData{CurrentLevel: 80, TankCapacity: 60})

	if _, err := env.Engine.RecordResponse(env.Ctx, exec.ID, "q-damage", "yes", "driver-1"); err != nil {
		t.Fatalf("record damage: %v", err)
	}

	reloaded, err := env.Engine.Repo.GetExecution(env.Ctx, exec.ID)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	pinned, err := env.Engine.Repo.GetTemplateVersion(env.Ctx, reloaded.TemplateID, reloaded.TemplateVersion)
	if err != nil {
		t.Fatalf("load pinned template: %v", err)
	}

	first := engine.DeriveState(pinned, reloaded.Responses, 8)
	second := engine.DeriveState(pinned, reloaded.Responses, 8)
	if !reflect.DeepEqual(first.Active, second.Active) {
		t.Fatalf("re-derivation not idempotent: %v vs %v", first.Active, second.Active)
	}
	if !first.Active["q-damage-desc"] {
		t.Fatal("damage description should be active after answering yes")
	}
}
