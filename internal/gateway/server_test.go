package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/overseer/internal/admission"
	"github.com/dohr-michael/overseer/internal/approvals"
	"github.com/dohr-michael/overseer/internal/budget"
	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/gateway/ws"
	"github.com/dohr-michael/overseer/internal/orchestrator"
	"github.com/dohr-michael/overseer/internal/safety"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ResponseError  `json:"error"`
}

func newTestServer(t *testing.T, token string) (*Server, *events.Bus) {
	t.Helper()
	dir := t.TempDir()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	orch := orchestrator.New(orchestrator.Config{
		Tasks:   tasks.NewFileStore(dir + "/tasks"),
		Convoys: convoys.NewFileStore(dir + "/convoys"),
		Bus:     bus,
	})
	ledger, err := budget.Open(budget.Config{Dir: dir + "/budget", HourlyLimit: 10, Bus: bus})
	if err != nil {
		t.Fatalf("budget.Open: %v", err)
	}
	gov := safety.NewGovernor(safety.Config{
		Iterations: safety.NewIterationGuard(orch.Tasks()),
		Budget:     ledger,
		Agents:     admission.NewController(1, bus),
		Approvals:  approvals.NewWorkflow(approvals.Config{Store: approvals.NewFileStore(dir + "/approvals"), Bus: bus}),
		Bus:        bus,
	})

	srv := NewServer(ServerConfig{
		Bus:      bus,
		Registry: NewRegistry(Services{Orchestrator: orch, Governor: gov}),
		Addr:     "localhost:0",
		Token:    token,
	})
	t.Cleanup(srv.hub.Close)
	return srv, bus
}

func call(t *testing.T, srv *Server, name, body, token string) (int, testResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/commands/"+name, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp testResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("%s: decode body: %v", name, err)
	}
	return w.Code, resp
}

func mustCall(t *testing.T, srv *Server, name, body string, out any) {
	t.Helper()
	code, resp := call(t, srv, name, body, "")
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("%s: status %d, error %+v", name, code, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("%s: decode data: %v", name, err)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %v", "ok", body["status"])
	}
}

func TestListCommands(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/commands", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp struct {
		Data []Command `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	names := map[string]bool{}
	for _, c := range resp.Data {
		names[c.Name] = true
	}
	for _, want := range []string{"create_task", "complete_convoy", "record_cost", "resolve_approval", "trigger_rollback", "preflight"} {
		if !names[want] {
			t.Errorf("command %q not listed", want)
		}
	}
	if names["run_job"] {
		t.Error("maintenance commands listed without a scheduler")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")

	var task tasks.Task
	mustCall(t, srv, "create_task", `{"name":"build","priority":"high","tags":"ci,go","max_iterations":2}`, &task)
	if task.Priority != tasks.PriorityHigh || task.MaxIterations != 2 || len(task.Tags) != 2 {
		t.Fatalf("unexpected task %+v", task)
	}

	mustCall(t, srv, "assign_task", `{"id":"`+task.ID+`","worker_class":"coder"}`, nil)
	mustCall(t, srv, "start_task", `{"id":"`+task.ID+`","worker_id":"w1"}`, nil)
	mustCall(t, srv, "complete_task", `{"id":"`+task.ID+`","result":{"files":3}}`, &task)

	if task.Status != tasks.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if string(task.Result) != `{"files":3}` {
		t.Errorf("result = %s", task.Result)
	}

	var list []tasks.Task
	mustCall(t, srv, "list_tasks", `{"status":"completed"}`, &list)
	if len(list) != 1 {
		t.Errorf("got %d completed tasks, want 1", len(list))
	}
}

func TestCommandErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")

	var pending tasks.Task
	mustCall(t, srv, "create_task", `{"name":"p"}`, &pending)
	mustCall(t, srv, "register_agent", `{"agent_id":"a1"}`, nil)

	tests := []struct {
		name     string
		command  string
		body     string
		wantCode int
		wantKind errs.Kind
	}{
		{"unknown command", "launch_rockets", `{}`, http.StatusNotFound, errs.KindNotFound},
		{"unknown task", "get_task", `{"id":"task_nope"}`, http.StatusNotFound, errs.KindNotFound},
		{"missing param", "create_task", `{}`, http.StatusBadRequest, errs.KindInvalid},
		{"not an object", "create_task", `[1,2]`, http.StatusBadRequest, errs.KindInvalid},
		{"bad number", "record_cost", `{"amount":"lots"}`, http.StatusBadRequest, errs.KindInvalid},
		{"illegal transition", "complete_task", `{"id":"` + pending.ID + `"}`, http.StatusConflict, errs.KindInvalidTransition},
		{"admission ceiling", "register_agent", `{"agent_id":"a2"}`, http.StatusTooManyRequests, errs.KindLimitExceeded},
		{"rollback unconfigured", "trigger_rollback", `{"reason":"oops"}`, http.StatusPreconditionFailed, errs.KindPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, srv, tt.command, tt.body, "")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if resp.Success || resp.Error == nil {
				t.Fatalf("expected failure, got %+v", resp)
			}
			if resp.Error.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", resp.Error.Kind, tt.wantKind)
			}
		})
	}
}

func TestBudgetAndApprovalCommands(t *testing.T) {
	srv, _ := newTestServer(t, "")

	mustCall(t, srv, "record_cost", `{"amount":7.5,"description":"llm"}`, nil)

	var status budget.Status
	mustCall(t, srv, "get_budget_status", ``, &status)
	if status.RemainingBudget != 2.5 {
		t.Errorf("remaining = %v, want 2.5", status.RemainingBudget)
	}

	var check map[string]bool
	mustCall(t, srv, "check_budget", `{"estimate":"3"}`, &check)
	if check["allowed"] {
		t.Error("estimate above remaining budget allowed")
	}

	var req approvals.Request
	mustCall(t, srv, "request_approval", `{"reason":"deploy","priority":5,"context":{"env":"prod"}}`, &req)
	if req.Context["env"] != "prod" || req.Priority != 5 {
		t.Fatalf("unexpected request %+v", req)
	}

	var pending []approvals.Request
	mustCall(t, srv, "list_pending_approvals", ``, &pending)
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	mustCall(t, srv, "resolve_approval", `{"id":"`+req.ID+`","approved":true,"notes":"ok"}`, &req)
	if req.Status != approvals.StatusApproved {
		t.Errorf("status = %s, want approved", req.Status)
	}
	code, resp := call(t, srv, "resolve_approval", `{"id":"`+req.ID+`","approved":"false"}`, "")
	if code != http.StatusConflict || resp.Error.Kind != errs.KindInvalidTransition {
		t.Errorf("second resolve: status %d, error %+v", code, resp.Error)
	}
}

func TestAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "guess", http.StatusUnauthorized},
		{"valid", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := call(t, srv, "get_budget_status", `{}`, tt.token)
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestHandleEvents(t *testing.T) {
	srv, bus := newTestServer(t, "")

	for i := 0; i < 10; i++ {
		bus.Publish(events.NewTypedEvent(events.SourceOrchestrator, events.TaskCreatedPayload{Priority: i}))
	}
	waitForEvents(bus, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("expected 5 events with limit=5, got %d", len(body))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/events?limit=abc", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: status %d, want 400", w.Code)
	}
}

func TestWebSocketCommandsAndEvents(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the client before commands publish events.
	for i := 0; i < 200 && srv.hub.ClientCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	req, _ := ws.MarshalFrame(ws.Frame{
		Type:   ws.FrameTypeRequest,
		ID:     "r1",
		Method: "create_task",
		Params: json.RawMessage(`{"name":"from-ws"}`),
	})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotResponse, gotEvent bool
	for !gotResponse || !gotEvent {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (response=%v event=%v): %v", gotResponse, gotEvent, err)
		}
		f, err := ws.UnmarshalFrame(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		switch f.Type {
		case ws.FrameTypeResponse:
			if f.ID != "r1" || f.OK == nil || !*f.OK {
				t.Fatalf("unexpected response %+v", f)
			}
			gotResponse = true
		case ws.FrameTypeEvent:
			if f.Event == string(events.EventTaskCreated) {
				gotEvent = true
			}
		}
	}
}
