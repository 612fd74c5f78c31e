package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"jobdeck/internal/auth"
	"jobdeck/internal/collection"
	"jobdeck/internal/model"
	"jobdeck/internal/supervisor"
	"jobdeck/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSync struct {
	mu    sync.Mutex
	older int
}

func (f *fakeSync) View() collection.View {
	return collection.View{Jobs: []collection.Item{{Job: model.Job{ID: "a1", Status: model.StatusQueued}}}, HasMore: true}
}
func (f *fakeSync) State() supervisor.State { return supervisor.StatePolling }
func (f *fakeSync) LoadOlder() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.older++
	return true
}
func (f *fakeSync) Refresh() bool                     { return true }
func (f *fakeSync) OnChange(fn func(collection.View)) {}

type fakeActions struct {
	mu     sync.Mutex
	calls  []string
	draft  model.Draft
	status string
}

func (f *fakeActions) record(call string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.status = "did " + call
	return f.status
}

func (f *fakeActions) Dispatch(ctx context.Context, action model.ActionKind, message, name string) string {
	return f.record(string(action) + ":" + message + ":" + name)
}
func (f *fakeActions) Submit(ctx context.Context) string { return f.record("submit") }
func (f *fakeActions) Confirm(ctx context.Context, id string) string {
	return f.record("confirm:" + id)
}
func (f *fakeActions) Retry(ctx context.Context, id string) string { return f.record("retry:" + id) }
func (f *fakeActions) SetDraft(d model.Draft) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft = d
}
func (f *fakeActions) Draft() model.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draft
}
func (f *fakeActions) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
func (f *fakeActions) OnStatus(fn func(string)) {}

func newTestServer(t *testing.T, d Dependencies) (*httptest.Server, *fakeSync, *fakeActions) {
	t.Helper()
	s, a := &fakeSync{}, &fakeActions{}
	d.Sync, d.Actions = s, a
	if d.Hub == nil {
		d.Hub = ws.NewHub(zap.NewNop())
	}
	d.Log = zap.NewNop()
	srv := httptest.NewServer(Routes(d))
	t.Cleanup(srv.Close)
	return srv, s, a
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRoutes_ReadEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, Dependencies{})

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "polling", body["transport"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/jobs", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["hasMore"])
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "a1", jobs[0].(map[string]interface{})["id"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["jobs"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestRoutes_Mutations(t *testing.T) {
	srv, s, a := newTestServer(t, Dependencies{RateLimitRPS: 100, RateLimitBurst: 100})

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/jobs/older", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, 1, s.older)

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/actions", `{"action":"reply","message":"hi","name":"Bob"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "did reply:hi:Bob", body["status"])

	resp, _ = do(t, http.MethodPatch, srv.URL+"/v1/jobs/a1/confirm", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPatch, srv.URL+"/v1/jobs/b2/retry", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodPut, srv.URL+"/v1/draft", `{"message":"draft","action":"pickup"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pickup", body["action"])

	assert.Equal(t, []string{"reply:hi:Bob", "confirm:a1", "retry:b2"}, a.calls)
}

func TestRoutes_ActionValidation(t *testing.T) {
	srv, _, a := newTestServer(t, Dependencies{RateLimitRPS: 100, RateLimitBurst: 100})

	for _, body := range []string{
		`{"action":"explode","message":"x"}`,
		`{"message":"x"}`,
		`{"action":"send","message":"x","extra":1}`,
		`not json`,
	} {
		resp, out := do(t, http.MethodPost, srv.URL+"/v1/actions", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "invalid_input", out["error"])
		assert.NotEmpty(t, out["request_id"])
	}
	assert.Empty(t, a.calls)
}

func TestRoutes_RateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Dependencies{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodPost, srv.URL+"/v1/jobs/refresh", "", nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/jobs/refresh", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", body["error"])

	// reads are not limited
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_JWT(t *testing.T) {
	jwtCfg := auth.NewJWTConfig("s3cret")
	srv, _, _ := newTestServer(t, Dependencies{JWT: jwtCfg})

	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := jwtCfg.Issue("operator", time.Minute)
	require.NoError(t, err)
	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_RejectsCrossSiteMutations(t *testing.T) {
	srv, s, a := newTestServer(t, Dependencies{
		AllowedOrigins: []string{"https://ops.example.com/"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	})
	action := `{"action":"send","message":"x"}`

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/actions", action, http.Header{"Content-Type": {"text/plain"}})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/actions", action, http.Header{"Origin": {"https://evil.example"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden_origin", body["error"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/jobs/older", "", http.Header{"Origin": {"https://evil.example"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, s.older)
	assert.Empty(t, a.calls)

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/actions", action, http.Header{"Origin": {"https://OPS.example.com"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/actions", action, http.Header{"Origin": {srv.URL}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, a.calls, 2)
}

func TestRoutes_WebSocketOrigin(t *testing.T) {
	srv, _, _ := newTestServer(t, Dependencies{AllowedOrigins: []string{"https://ops.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ops.example.com"}})
	require.NoError(t, err)
	conn.Close()
}
