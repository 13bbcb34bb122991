package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"fleetcheck/internal/config"
	"fleetcheck/internal/db"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
	"fleetcheck/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fleet-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := e.Repo.UpsertFleetConfig(context.Background(), cfg.Fleet.ID, cfg); err != nil {
		t.Fatalf("seed fleet config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type apiEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
}

// buildTemplate creates an active template over the API with one required
// odometer question.
func buildTemplate(t *testing.T, srv *testServer) domain.Template {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", CreateTemplateRequest{
		ID: "tpl-1", Name: "Checklist", Type: "both", ActorID: "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates/tpl-1/sections", SectionRequest{
		ID: "sec-1", Name: "General", ActorID: "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add section: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates/tpl-1/questions", QuestionRequest{
		Question: domain.Question{ID: "q-odo", SectionID: "sec-1", Type: "number", Label: "Odometer", Required: true},
		ActorID:  "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add question: %d %s", res.StatusCode, string(data))
	}
	status := "active"
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/templates/tpl-1", UpdateTemplateRequest{
		Status: &status, ActorID: "tester",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d %s", res.StatusCode, string(data))
	}
	var tpl domain.Template
	decodeInto(t, data, &tpl)
	return tpl
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestTemplateCRUDOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tpl := buildTemplate(t, srv)
	if tpl.Status != "active" || tpl.Version != 3 {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/templates/tpl-1/versions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions: %d %s", res.StatusCode, string(data))
	}
	var versions TemplateVersionsResponse
	decodeInto(t, data, &versions)
	if len(versions.Versions) != 3 {
		t.Fatalf("expected 3 versions, got %v", versions.Versions)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/templates/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing template: %d", res.StatusCode)
	}
}

func TestTemplateValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", CreateTemplateRequest{
		ID: "tpl-v", Name: "t", Type: "exit", ActorID: "tester",
	})
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates/tpl-v/sections", SectionRequest{ID: "s", Name: "s", ActorID: "tester"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates/tpl-v/questions", QuestionRequest{
		Question: domain.Question{
			ID: "q-1", SectionID: "s", Type: "text", Label: "Q",
			ConditionalLogic: []domain.ConditionalRule{
				{TargetQuestionID: "q-unknown", Condition: "equals", Value: "x", Action: "show"},
			},
		},
		ActorID: "tester",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope apiEnvelope
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "template_invalid" {
		t.Fatalf("code = %q, body %s", envelope.Error.Code, string(data))
	}
	if envelope.Error.Details["issues"] == nil {
		t.Fatalf("expected issues in details: %s", string(data))
	}
}

func TestExecutionFlowOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	buildTemplate(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions", StartExecutionRequest{
		ID: "exec-1", TemplateID: "tpl-1", VehicleID: "veh-1", Type: "exit", ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	// completing without the required answer returns the failing questions
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions/exec-1/complete", CompleteExecutionRequest{ActorID: "driver-1"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope apiEnvelope
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "incomplete_checklist" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/executions/exec-1/responses/q-odo", RecordResponseRequest{
		Value: 42100, ActorID: "driver-1",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions/exec-1/complete", CompleteExecutionRequest{ActorID: "driver-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var exec domain.Execution
	decodeInto(t, data, &exec)
	if exec.Status != "completed" {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestFuelReconciliationOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fuel/reconcile", ReconcilePreviewRequest{
		ExitLevel: 85, EntryLevel: 65, TankCapacity: 60, CostPerLiter: 5.89,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview: %d %s", res.StatusCode, string(data))
	}
	var rec engine.FuelReconciliation
	decodeInto(t, data, &rec)
	if rec.LitersUsed != 12.00 || rec.TotalCost != 70.68 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fuel/reconcile", ReconcilePreviewRequest{
		ExitLevel: 60, EntryLevel: 80, TankCapacity: 60, CostPerLiter: 5.89,
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for inversion, got %d %s", res.StatusCode, string(data))
	}
	var envelope apiEnvelope
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "fuel_inversion" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestPendencyLifecycleOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	buildTemplate(t, srv)

	// exit then entry with less fuel opens a pendency
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions", StartExecutionRequest{
		ID: "exec-out", TemplateID: "tpl-1", VehicleID: "veh-1", Type: "exit", ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 85, TankCapacity: 60},
	})
	doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/executions/exec-out/responses/q-odo", RecordResponseRequest{Value: 100, ActorID: "driver-1"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions/exec-out/complete", CompleteExecutionRequest{ActorID: "driver-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete exit: %d %s", res.StatusCode, string(data))
	}
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions", StartExecutionRequest{
		ID: "exec-in", TemplateID: "tpl-1", VehicleID: "veh-1", Type: "entry", ExecutedBy: "driver-1",
		Fuel: domain.FuelLevelData{CurrentLevel: 65, TankCapacity: 60},
	})
	doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/executions/exec-in/responses/q-odo", RecordResponseRequest{Value: 200, ActorID: "driver-1"})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/executions/exec-in/complete", CompleteExecutionRequest{ActorID: "driver-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete entry: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/pendencies?execution_id=exec-in", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list pendencies: %d %s", res.StatusCode, string(data))
	}
	var pends []domain.FinancialPendency
	decodeInto(t, data, &pends)
	if len(pends) != 1 || pends[0].Amount != 70.68 {
		t.Fatalf("unexpected pendencies: %s", string(data))
	}
	id := pends[0].ID

	// pending -> paid is rejected with a structured envelope
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pendencies/"+id+"/pay", PayPendencyRequest{ActorID: "finance-1"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope apiEnvelope
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "invalid_transition" || envelope.Error.Details["current"] != "pending" {
		t.Fatalf("unexpected envelope: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pendencies/"+id+"/approve", ApprovePendencyRequest{ApprovedBy: "manager-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pendencies/"+id+"/pay", PayPendencyRequest{ActorID: "finance-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pay: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pendencies/dispatch", DispatchPendenciesRequest{ActorID: "finance-1"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty dispatch, got %d %s", res.StatusCode, string(data))
	}
}
