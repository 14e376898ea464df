package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/isolane/internal/engine"
	"github.com/seantiz/isolane/internal/model"
	"github.com/seantiz/isolane/internal/pool"
)

// jarFile creates an empty classpath entry.
func jarFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// pollRun polls GET /v1/runs/{id} until the run reaches state or timeout.
func pollRun(t *testing.T, ts *httptest.Server, id string, state model.RunState, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		var r model.Run
		decodeBody(t, resp, &r)
		if r.State == state {
			return &r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %s within %s", id, state, timeout)
	return nil
}

func TestRunInline(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/runs", runRequest{
		Action:      "echo",
		Params:      json.RawMessage(`{"msg":"hi"}`),
		DisplayName: "greet",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var r model.Run
	decodeBody(t, resp, &r)
	if r.State != model.StateReleased {
		t.Errorf("state = %q, want released", r.State)
	}
	if r.Result != model.StateSucceeded {
		t.Errorf("result = %q, want succeeded", r.Result)
	}
	if r.Strategy != model.StrategyInline {
		t.Errorf("strategy = %q, want inline", r.Strategy)
	}
	if r.DisplayName != "greet" {
		t.Errorf("display_name = %q, want greet", r.DisplayName)
	}
	if string(r.Output) != `{"msg":"hi"}` {
		t.Errorf("output = %q", r.Output)
	}
}

func TestRunClasspathUsesClassloader(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cp := jarFile(t, "app.jar")
	var contextIDs []string
	for range 2 {
		resp := postJSON(t, ts, "/v1/runs", runRequest{
			Action:    "counter",
			Params:    json.RawMessage(`{"key":"hits"}`),
			Classpath: []string{cp},
		})
		var r model.Run
		decodeBody(t, resp, &r)
		if r.Strategy != model.StrategyClassloader {
			t.Fatalf("strategy = %q, want classloader_isolated", r.Strategy)
		}
		contextIDs = append(contextIDs, r.ContextID)
	}
	if contextIDs[0] != contextIDs[1] {
		t.Errorf("context ids = %v, want one reused context", contextIDs)
	}

	resp, err := http.Get(ts.URL + "/v1/contexts")
	if err != nil {
		t.Fatalf("GET /v1/contexts: %v", err)
	}
	var contexts []pool.ContextInfo
	decodeBody(t, resp, &contexts)
	if len(contexts) != 1 {
		t.Fatalf("got %d contexts, want 1", len(contexts))
	}
	if contexts[0].ID != contextIDs[0] || contexts[0].Uses != 2 {
		t.Errorf("context = %+v, want id %s with 2 uses", contexts[0], contextIDs[0])
	}
}

func TestRunFailureReturnsRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/runs", runRequest{
		Action: "fail",
		Params: json.RawMessage(`{"message":"bad input"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var r model.Run
	decodeBody(t, resp, &r)
	if r.Result != model.StateFailed {
		t.Errorf("result = %q, want failed", r.Result)
	}
	if r.FailureKind != model.FailureExecution {
		t.Errorf("failure_kind = %q, want execution_failure", r.FailureKind)
	}
	if r.Error != "bad input" {
		t.Errorf("error = %q, want %q", r.Error, "bad input")
	}
}

func TestRunProcessTierUnavailable(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/runs", runRequest{
		Action:    "echo",
		Isolation: "process",
	})
	var r model.Run
	decodeBody(t, resp, &r)
	if r.FailureKind != model.FailureProvisioning {
		t.Errorf("failure_kind = %q, want provisioning_failure", r.FailureKind)
	}
	if r.State != model.StateReleased {
		t.Errorf("state = %q, want released", r.State)
	}
}

func TestRunTimeout(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	timeout := 1
	resp := postJSON(t, ts, "/v1/runs", runRequest{
		Action:   "sleep",
		Params:   json.RawMessage(`{"ms":5000}`),
		TimeoutS: &timeout,
	})
	var r model.Run
	decodeBody(t, resp, &r)
	if r.FailureKind != model.FailureTimeout {
		t.Errorf("failure_kind = %q, want timeout_failure", r.FailureKind)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	zero, tooLong, huge := 0, maxTimeoutS+1, 1<<62
	tests := []struct {
		name string
		body any
	}{
		{"missing action", runRequest{}},
		{"unknown action", runRequest{Action: "launch-missiles"}},
		{"unknown isolation", runRequest{Action: "echo", Isolation: "container"}},
		{"zero timeout", runRequest{Action: "echo", TimeoutS: &zero}},
		{"timeout above maximum", runRequest{Action: "echo", TimeoutS: &tooLong}},
		{"overflowing timeout", runRequest{Action: "echo", TimeoutS: &huge}},
		{"heap bounds", runRequest{Action: "echo", ForkOptions: model.ForkOptions{MinHeapMB: 512, MaxHeapMB: 128}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/v1/runs", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

func TestRunWriteDeadlineFollowsEngineDefault(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now()

	if got, want := srv.runWriteDeadline(now, engine.Work{}), now.Add(5*time.Second+writeTimeout); !got.Equal(want) {
		t.Errorf("default deadline = %v, want %v", got, want)
	}
	work := engine.Work{Timeout: 2 * time.Minute}
	if got, want := srv.runWriteDeadline(now, work), now.Add(2*time.Minute+writeTimeout); !got.Equal(want) {
		t.Errorf("explicit deadline = %v, want %v", got, want)
	}
}

func TestSubmitRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/runs/async", runRequest{
		Action: "log",
		Params: json.RawMessage(`{"lines":["one","two"]}`),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var r model.Run
	decodeBody(t, resp, &r)
	if r.ID == "" {
		t.Fatal("submitted run has no id")
	}

	done := pollRun(t, ts, r.ID, model.StateReleased, 5*time.Second)
	if done.Result != model.StateSucceeded {
		t.Errorf("result = %q, want succeeded", done.Result)
	}

	hist, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	var body logHistoryResponse
	decodeBody(t, hist, &body)
	if len(body.Lines) != 2 || body.Lines[0].Line != "one" || body.Lines[1].Line != "two" {
		t.Errorf("history = %+v, want one, two", body.Lines)
	}
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/runs/async", runRequest{
		Action: "sleep",
		Params: json.RawMessage(`{"ms":10000}`),
	})
	var r model.Run
	decodeBody(t, resp, &r)
	pollRun(t, ts, r.ID, model.StateExecuting, 5*time.Second)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+r.ID, nil)
	cancelResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", cancelResp.StatusCode)
	}

	done := pollRun(t, ts, r.ID, model.StateReleased, 5*time.Second)
	if done.FailureKind != model.FailureCancelled {
		t.Errorf("failure_kind = %q, want cancelled", done.FailureKind)
	}

	// A finished run can no longer be cancelled.
	srv.engine.Wait()
	again, err := http.DefaultClient.Do(req.Clone(req.Context()))
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", again.StatusCode)
	}
}

func TestCancelRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/missing", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 5 {
		resp := postJSON(t, ts, "/v1/runs", runRequest{Action: "echo"})
		resp.Body.Close()
	}

	tests := []struct {
		query      string
		wantLen    int
		wantLimit  int
		wantOffset int
	}{
		{"", 5, defaultListLimit, 0},
		{"?limit=2", 2, 2, 0},
		{"?limit=2&offset=4", 1, 2, 4},
		{"?limit=1000", 5, defaultListLimit, 0},
		{"?limit=abc&offset=-3", 5, defaultListLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/runs" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			var body listRunsResponse
			decodeBody(t, resp, &body)
			if body.Total != 5 {
				t.Errorf("total = %d, want 5", body.Total)
			}
			if len(body.Runs) != tt.wantLen {
				t.Errorf("len(runs) = %d, want %d", len(body.Runs), tt.wantLen)
			}
			if body.Limit != tt.wantLimit || body.Offset != tt.wantOffset {
				t.Errorf("limit/offset = %d/%d, want %d/%d", body.Limit, body.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/actions")
	if err != nil {
		t.Fatalf("GET /v1/actions: %v", err)
	}
	var actions actionsResponse
	decodeBody(t, resp, &actions)
	found := false
	for _, name := range actions.Actions {
		if name == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("actions = %v, want echo listed", actions.Actions)
	}

	resp, err = http.Get(ts.URL + "/v1/providers")
	if err != nil {
		t.Fatalf("GET /v1/providers: %v", err)
	}
	var providers []map[string]any
	decodeBody(t, resp, &providers)
	if len(providers) != 2 {
		t.Errorf("got %d providers, want 2", len(providers))
	}
}
