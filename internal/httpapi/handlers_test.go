package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
	apimw "github.com/hamed0406/connwatch/internal/httpapi/middleware"
	"github.com/hamed0406/connwatch/internal/registry"
	"github.com/hamed0406/connwatch/internal/repo/memory"
	"github.com/hamed0406/connwatch/internal/statusapi"
)

// ---- test helpers ----

type fakeChecks struct {
	mu      sync.Mutex
	err     error
	outcome *domain.Outcome
}

func (f *fakeChecks) set(o *domain.Outcome, err error) {
	f.mu.Lock()
	f.outcome, f.err = o, err
	f.mu.Unlock()
}

func (f *fakeChecks) Trigger(_ context.Context, id domain.ConnectionID) (<-chan domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.Outcome, 1)
	if f.outcome != nil {
		o := *f.outcome
		o.ConnectionID = id
		ch <- o
		close(ch)
	}
	return ch, nil
}

func (f *fakeChecks) State(domain.ConnectionID) string { return "idle" }

type fixture struct {
	ts     *httptest.Server
	reg    *registry.Registry
	checks *fakeChecks
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(history.NewStore(history.Policy{MaxRecords: 50}))
	checks := &fakeChecks{}
	svc := statusapi.New(zap.NewNop(), reg, checks, memory.New(), statusapi.Options{})
	srv := NewServer(zap.NewNop(), svc, 50*time.Millisecond, time.Second)

	keys := apimw.Keys{
		Public: []string{"pub_test"},
		Admin:  []string{"adm_test"},
	}

	// very high rate limits to avoid flakiness in tests
	ts := httptest.NewServer(srv.Router(keys, nil, 10_000, 10_000, 10_000, 10_000))
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, reg: reg, checks: checks}
}

func (f *fixture) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req, _ := http.NewRequest(method, f.ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func (f *fixture) create(t *testing.T, body string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/connections", "adm_test", body)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("create: want 201 got %d: %s", resp.StatusCode, b)
	}
	var v struct {
		ID string `json:"id"`
	}
	decode(t, resp, &v)
	return v.ID
}

// ---- tests ----

func TestHealthz(t *testing.T) {
	f := setup(t)
	if resp := f.do(t, http.MethodGet, "/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", resp.StatusCode)
	}
}

func TestConnections_CRUD(t *testing.T) {
	f := setup(t)

	id := f.create(t, `{"name":"primary db","type":"database","target":"db.internal","port":5432,"check_interval":30}`)

	// public read
	resp := f.do(t, http.MethodGet, "/api/connections/"+id, "pub_test", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: want 200 got %d", resp.StatusCode)
	}
	var got struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Interval int    `json:"check_interval"`
		Timeout  int    `json:"timeout"`
		Enabled  bool   `json:"enabled"`
		State    string `json:"state"`
		Status   struct {
			Status string `json:"status"`
		} `json:"status"`
	}
	decode(t, resp, &got)
	if got.Name != "primary db" || got.Type != "database" || got.Interval != 30 || got.Timeout != 10 || !got.Enabled {
		t.Fatalf("unexpected connection: %+v", got)
	}
	if got.Status.Status != "unknown" || got.State != "idle" {
		t.Fatalf("unexpected status: %+v", got)
	}

	// update
	resp = f.do(t, http.MethodPut, "/api/connections/"+id, "adm_test",
		`{"name":"primary db","type":"database","target":"db.internal","port":5433,"enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: want 200 got %d", resp.StatusCode)
	}

	// list
	resp = f.do(t, http.MethodGet, "/api/connections", "pub_test", "")
	var list []map[string]any
	decode(t, resp, &list)
	if len(list) != 1 || list[0]["port"].(float64) != 5433 || list[0]["enabled"].(bool) {
		t.Fatalf("unexpected list: %+v", list)
	}

	// delete
	if resp := f.do(t, http.MethodDelete, "/api/connections/"+id, "adm_test", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want 204 got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/connections/"+id, "pub_test", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted: want 404 got %d", resp.StatusCode)
	}
}

func TestCreate_InvalidAndForbidden(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/api/connections", "adm_test", `{"name":"no port","type":"tcp","target":"127.0.0.1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 got %d", resp.StatusCode)
	}
	var body struct {
		Problems []string `json:"problems"`
	}
	decode(t, resp, &body)
	if len(body.Problems) != 1 || !strings.Contains(body.Problems[0], "port is required") {
		t.Fatalf("unexpected problems: %+v", body.Problems)
	}

	if resp := f.do(t, http.MethodPost, "/api/connections", "adm_test", `{"url":"https://example.com"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: want 400 got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/connections", "pub_test", `{"name":"x","type":"ping","target":"h"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("public key write: want 403 got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/connections", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key read: want 401 got %d", resp.StatusCode)
	}
}

func TestCheck_OutcomeAcceptedBusy(t *testing.T) {
	f := setup(t)
	id := f.create(t, `{"name":"web","type":"http","target":"https://example.com"}`)

	up := domain.UpOutcome("", 12*time.Millisecond)
	up.HTTPStatus = 200
	up.CheckedAt = time.Now()
	f.checks.set(&up, nil)

	resp := f.do(t, http.MethodPost, "/api/connections/"+id+"/check?wait=true", "adm_test", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait: want 200 got %d", resp.StatusCode)
	}
	var res struct {
		Accepted bool `json:"accepted"`
		Outcome  struct {
			Status     string  `json:"status"`
			HTTPStatus int     `json:"http_status"`
			LatencyMS  float64 `json:"latency_ms"`
		} `json:"outcome"`
	}
	decode(t, resp, &res)
	if !res.Accepted || res.Outcome.Status != "up" || res.Outcome.HTTPStatus != 200 || res.Outcome.LatencyMS != 12 {
		t.Fatalf("unexpected result: %+v", res)
	}

	f.checks.set(nil, nil)
	if resp := f.do(t, http.MethodPost, "/api/connections/"+id+"/check", "adm_test", ""); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async: want 202 got %d", resp.StatusCode)
	}

	f.checks.set(nil, statusapi.ErrBusy)
	if resp := f.do(t, http.MethodPost, "/api/connections/"+id+"/check", "adm_test", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy: want 409 got %d", resp.StatusCode)
	}
	f.checks.set(nil, statusapi.ErrDisabled)
	if resp := f.do(t, http.MethodPost, "/api/connections/"+id+"/check", "adm_test", ""); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("disabled: want 422 got %d", resp.StatusCode)
	}
}

func TestHistoryStatusAndChart(t *testing.T) {
	f := setup(t)
	id := f.create(t, `{"name":"api","type":"ping","target":"10.0.0.1"}`)

	base := time.Now().Add(-time.Hour).UTC()
	for i := 0; i < 5; i++ {
		o := domain.UpOutcome(domain.ConnectionID(id), time.Duration(10+i)*time.Millisecond)
		if i == 2 {
			o = domain.FailedOutcome(domain.ConnectionID(id), domain.StatusTimeout, "no answer within 1s")
		}
		o.CheckedAt = base.Add(time.Duration(i) * time.Minute)
		f.reg.Commit(o)
	}

	resp := f.do(t, http.MethodGet, "/api/connections/"+id+"/history?since="+base.Add(time.Minute).Format(time.RFC3339Nano), "pub_test", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: want 200 got %d", resp.StatusCode)
	}
	var hist []map[string]any
	decode(t, resp, &hist)
	if len(hist) != 4 || hist[1]["status"] != "timeout" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	if resp := f.do(t, http.MethodGet, "/api/connections/"+id+"/history?since=yesterday", "pub_test", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since: want 400 got %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/connections/"+id+"/status", "pub_test", "")
	var st struct {
		Status struct {
			Status string `json:"status"`
		} `json:"status"`
		Counts map[string]int `json:"counts_24h"`
	}
	decode(t, resp, &st)
	if st.Status.Status != "up" || st.Counts["up"] != 4 || st.Counts["timeout"] != 1 {
		t.Fatalf("unexpected status payload: %+v", st)
	}

	resp = f.do(t, http.MethodGet, "/api/connections/"+id+"/chart.png", "pub_test", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("chart: want 200 image/png got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	png, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("chart body is not a png")
	}
}

func TestStream_PushesSummary(t *testing.T) {
	f := setup(t)
	f.create(t, `{"name":"gw","type":"ping","target":"10.0.0.1"}`)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/stream?api_key=pub_test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var sum struct {
			Total       int              `json:"total"`
			Connections []map[string]any `json:"connections"`
		}
		if err := conn.ReadJSON(&sum); err != nil {
			t.Fatalf("read snapshot %d: %v", i, err)
		}
		if sum.Total != 1 || len(sum.Connections) != 1 {
			t.Fatalf("unexpected snapshot: %+v", sum)
		}
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.ts.URL, "http")+"/api/stream", nil); err == nil {
		t.Fatalf("stream without key should be refused")
	}
}
