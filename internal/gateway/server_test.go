package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conduit/internal/bus"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/relay"
	"github.com/haasonsaas/conduit/internal/storage"
	"github.com/haasonsaas/conduit/pkg/models"
)

type recordingScheduler struct {
	mu       sync.Mutex
	requests []models.RunRequest
	err      error
}

func (s *recordingScheduler) Enqueue(_ context.Context, req models.RunRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingScheduler) Requests() []models.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RunRequest(nil), s.requests...)
}

type testServer struct {
	*Server
	stores    storage.StoreSet
	scheduler *recordingScheduler
	mem       *bus.MemoryBus
	mb        *bus.MessageBus
	registry  *prometheus.Registry
	http      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	stores := storage.NewMemoryStores()
	mem := bus.NewMemoryBus()
	mb := bus.NewMessageBus(mem, nil, nil)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	streams := relay.New(mb,
		relay.WithConfig(relay.Config{PollInterval: 20 * time.Millisecond}),
		relay.WithStatusProbe(stores),
		relay.WithMetrics(metrics),
	)
	scheduler := &recordingScheduler{}

	server := New(Config{
		MetricsPath:    "/metrics",
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, stores, scheduler, streams, WithMetrics(metrics))
	server.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	ids := map[string]int{}
	server.newID = func(prefix string) string {
		ids[prefix]++
		return fmt.Sprintf("%s_%d", prefix, ids[prefix])
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testServer{
		Server:    server,
		stores:    stores,
		scheduler: scheduler,
		mem:       mem,
		mb:        mb,
		registry:  registry,
		http:      ts,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, buf.Bytes()
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func (ts *testServer) seed(t *testing.T) (assistantID, threadID string) {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/assistants",
		`{"name":"helper","model":"gpt-4o","instructions":"be brief","tools":[{"type":"web_browse"},{"type":"function","function":{"name":"GetDate"}}]}`)
	if status != http.StatusCreated {
		t.Fatalf("create assistant = %d %s", status, body)
	}
	assistant := decodeBody[models.Assistant](t, body)

	status, body = ts.do(t, http.MethodPost, "/threads", `{}`)
	if status != http.StatusCreated {
		t.Fatalf("create thread = %d %s", status, body)
	}
	thread := decodeBody[models.Thread](t, body)
	return assistant.ID, thread.ID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Fatalf("healthz = %d %s", status, body)
	}
}

func TestAssistantLifecycle(t *testing.T) {
	ts := newTestServer(t)
	assistantID, _ := ts.seed(t)
	if assistantID != "asst_1" {
		t.Fatalf("assistant id = %q", assistantID)
	}

	status, body := ts.do(t, http.MethodGet, "/assistants/asst_1", "")
	if status != http.StatusOK {
		t.Fatalf("get assistant = %d %s", status, body)
	}
	got := decodeBody[models.Assistant](t, body)
	if got.Model != "gpt-4o" || len(got.Tools) != 2 || got.Tools[1].Function.Name != "GetDate" {
		t.Fatalf("assistant = %+v", got)
	}

	status, _ = ts.do(t, http.MethodGet, "/assistants/missing", "")
	if status != http.StatusNotFound {
		t.Fatalf("missing assistant = %d", status)
	}
}

func TestCreateAssistantValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing model", body: `{"name":"x"}`, want: "model is required"},
		{name: "unknown tool type", body: `{"model":"m","tools":[{"type":"shell"}]}`, want: `unknown tool type "shell"`},
		{name: "function without name", body: `{"model":"m","tools":[{"type":"function"}]}`, want: "function.name"},
		{name: "unknown field", body: `{"model":"m","colour":"red"}`, want: "colour"},
		{name: "malformed", body: `{"model":`, want: "invalid_json"},
	}

	ts := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, "/assistants", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Fatalf("body = %s, want %q", body, tt.want)
			}
		})
	}
}

func TestThreadMessages(t *testing.T) {
	ts := newTestServer(t)
	_, threadID := ts.seed(t)

	for _, content := range []string{"first", "second"} {
		status, body := ts.do(t, http.MethodPost, "/threads/"+threadID+"/messages",
			fmt.Sprintf(`{"content":%q}`, content))
		if status != http.StatusCreated {
			t.Fatalf("create message = %d %s", status, body)
		}
	}

	status, body := ts.do(t, http.MethodGet, "/threads/"+threadID+"/messages", "")
	if status != http.StatusOK {
		t.Fatalf("list messages = %d %s", status, body)
	}
	list := decodeBody[listResponse[*models.ThreadMessage]](t, body)
	if len(list.Data) != 2 || list.Data[0].Content != "first" || list.Data[1].Role != models.RoleUser {
		t.Fatalf("messages = %+v", list.Data)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "blank content", path: "/threads/" + threadID + "/messages", body: `{"content":"  "}`, status: http.StatusBadRequest},
		{name: "tool role", path: "/threads/" + threadID + "/messages", body: `{"role":"tool","content":"x"}`, status: http.StatusBadRequest},
		{name: "unknown thread", path: "/threads/nope/messages", body: `{"content":"x"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d: %s", status, tt.status, body)
			}
		})
	}
}

func TestCreateRunEnqueues(t *testing.T) {
	ts := newTestServer(t)
	assistantID, threadID := ts.seed(t)

	status, body := ts.do(t, http.MethodPost, "/threads/"+threadID+"/runs",
		fmt.Sprintf(`{"assistant_id":%q}`, assistantID))
	if status != http.StatusCreated {
		t.Fatalf("create run = %d %s", status, body)
	}
	run := decodeBody[models.Run](t, body)
	if run.Status != models.RunStatusQueued || run.Model != "gpt-4o" || run.Instructions != "be brief" || len(run.Tools) != 2 {
		t.Fatalf("run = %+v", run)
	}

	requests := ts.scheduler.Requests()
	want := models.RunRequest{AssistantID: assistantID, ThreadID: threadID, RunID: run.ID}
	if len(requests) != 1 || requests[0] != want {
		t.Fatalf("enqueued = %+v, want %+v", requests, want)
	}

	status, body = ts.do(t, http.MethodGet, "/threads/"+threadID+"/runs/"+run.ID, "")
	if status != http.StatusOK {
		t.Fatalf("get run = %d %s", status, body)
	}
	status, _ = ts.do(t, http.MethodGet, "/threads/other/runs/"+run.ID, "")
	if status != http.StatusNotFound {
		t.Fatalf("run on wrong thread = %d, want 404", status)
	}
}

func TestCreateRunErrors(t *testing.T) {
	ts := newTestServer(t)
	assistantID, threadID := ts.seed(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "missing assistant id", path: "/threads/" + threadID + "/runs", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown assistant", path: "/threads/" + threadID + "/runs", body: `{"assistant_id":"nope"}`, status: http.StatusNotFound},
		{name: "unknown thread", path: "/threads/nope/runs", body: fmt.Sprintf(`{"assistant_id":%q}`, assistantID), status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d: %s", status, tt.status, body)
			}
		})
	}
	if n := len(ts.scheduler.Requests()); n != 0 {
		t.Fatalf("enqueued %d runs on error paths", n)
	}
}

func TestCreateRunEnqueueFailureMarksRunFailed(t *testing.T) {
	ts := newTestServer(t)
	assistantID, threadID := ts.seed(t)
	ts.scheduler.err = errors.New("queue down")

	status, body := ts.do(t, http.MethodPost, "/threads/"+threadID+"/runs",
		fmt.Sprintf(`{"assistant_id":%q}`, assistantID))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("create run = %d %s", status, body)
	}
	run, err := ts.stores.Runs.Get(context.Background(), "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusFailed || run.FailedAt == nil {
		t.Fatalf("run = %+v, want failed", run)
	}
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)
	ts.do(t, http.MethodGet, "/assistants/asst_1", "")

	status, body := ts.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics = %d", status)
	}
	if !strings.Contains(string(body), `route="GET /assistants/{assistant_id}"`) {
		t.Fatalf("route label missing from metrics:\n%s", body)
	}
}

func TestStartStop(t *testing.T) {
	server := New(Config{Host: "127.0.0.1", Port: 0}, storage.NewMemoryStores(), &recordingScheduler{}, nil)
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if server.Addr() != "" {
		t.Fatal("Addr() should be empty after Stop")
	}
}
