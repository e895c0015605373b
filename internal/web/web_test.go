package web

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsrules/auth"
	"dsrules/internal/db"
	"dsrules/internal/engine"
	"dsrules/internal/events"
	"dsrules/internal/metrics"
	"dsrules/internal/rules"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
	"dsrules/internal/web/api"
)

type fakeHistory struct {
	rule  string
	limit int
}

func (f *fakeHistory) ListRecent(_ context.Context, rulePath string, limit int) ([]db.ExecutionRecord, error) {
	f.rule, f.limit = rulePath, limit
	return []db.ExecutionRecord{{RulePath: "/usr/events/0", Steps: 2}}, nil
}

type fixture struct {
	server  *httptest.Server
	tree    *tree.Memory
	hub     *api.Hub
	token   string
	mu      sync.Mutex
	handled []string
}

func newFixture(t *testing.T, history api.HistoryReader) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{tree: tree.NewMemory(), hub: api.NewHub()}
	loop := scheduler.NewLoop(64)
	go loop.Run(ctx)

	eng := engine.New(f.tree, loop, engine.Options{Location: time.UTC})
	eng.AddObserver(f.hub)
	eng.AddObserver(engine.ObserverFunc(func(ev events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handled = append(f.handled, ev.Name)
	}))

	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	authModule := auth.NewAuthModule("admin", hash, "test-secret", time.Hour)
	f.token, err = authModule.LoginWithJWT(ctx, "admin", "pw")
	require.NoError(t, err)

	ws := NewWebServer(Options{
		Auth: authModule,
		Deps: api.Dependencies{
			Engine:   eng,
			Registry: eng.Registry,
			Rules:    rules.NewStore(f.tree, eng.RulesRoot(), eng.Registry),
			History:  history,
		},
		Hub:     f.hub,
		Metrics: metrics.New().Handler(),
	})
	f.server = httptest.NewServer(ws.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *fixture) seen(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.handled {
		if n == name {
			return true
		}
	}
	return false
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	f := newFixture(t, nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/rules"},
		{http.MethodPost, "/rules"},
		{http.MethodDelete, "/rules/x"},
		{http.MethodGet, "/triggers"},
		{http.MethodPost, "/triggers"},
		{http.MethodPost, "/events"},
		{http.MethodGet, "/states"},
		{http.MethodGet, "/history"},
		{http.MethodGet, "/events/stream"},
	} {
		resp, _ := f.do(t, route.method, route.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
	}

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/rules", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/auth/login", `{"username":"admin","password":"nope"}`, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/auth/login", `{"username":"admin"}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/auth/login", `{"username":"admin","password":"pw"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct{ Token string }
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.Token)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	doc := `{"id":"wake","name":"Wake up","triggers":[{"type":"custom-event","event":"wake"}],
		"actions":[{"type":"custom-event","event":"morning"}]}`

	resp, body := f.do(t, http.MethodPost, "/rules", doc, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"path":"/usr/events/0","succeeded":true}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/rules", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id":"wake","name":"Wake up","path":"/usr/events/0"}]`, string(body))

	resp, body = f.do(t, http.MethodGet, "/rules/wake", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"path":"/usr/events/0"`)
	assert.Contains(t, string(body), `"event":"morning"`)

	resp, body = f.do(t, http.MethodGet, "/triggers", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"relayedEventName":"action_execute"`)

	resp, _ = f.do(t, http.MethodPost, "/rules", `{"id":"broken"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/rules", `{not json`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/rules/wake", "", true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/rules/wake", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/rules/wake", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/rules", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestTriggerRoutes(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/triggers", `{"path":"/usr/events/4","eventName":"ring","params":{"floor":2}}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"id":0,"triggerPath":"/usr/events/4","relayedEventName":"ring","additionalRelayingParameter":"{\"floor\":2}"}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/triggers", `{"path":"/usr/events/4"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/triggers", `{"path":"/usr/events/4"}`, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/triggers", `{"path":"/usr/events/4"}`, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRaiseEventRunsRule(t *testing.T) {
	f := newFixture(t, nil)
	doc := `{"id":"wake","actions":[{"type":"custom-event","event":"morning"}]}`
	resp, _ := f.do(t, http.MethodPost, "/rules", doc, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/events", `{"name":"highlevelevent","parameter":{"id":"wake"}}`, true)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool { return f.seen("highlevelevent") }, time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/events", `{"parameter":{}}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStates(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.tree.Set("/usr/states/0/name", "presence"))
	require.NoError(t, f.tree.Set("/usr/states/0/value", "present"))
	require.NoError(t, f.tree.Set("/usr/addon-states/heating/eco/value", "on"))

	resp, body := f.do(t, http.MethodGet, "/states", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"states": {"0": {"name": "presence", "value": "present"}},
		"addonStates": {"heating": {"eco": {"value": "on"}}}
	}`, string(body))
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/history", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h := &fakeHistory{}
	f = newFixture(t, h)
	resp, body := f.do(t, http.MethodGet, "/history?rule=/usr/events/0&limit=5", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/usr/events/0", h.rule)
	assert.Equal(t, 5, h.limit)
	assert.Contains(t, string(body), `"steps":2`)

	_, _ = f.do(t, http.MethodGet, "/history", "", true)
	assert.Equal(t, db.DefaultListLimit, h.limit)

	resp, _ = f.do(t, http.MethodGet, "/history?limit=zero", "", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events/stream?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/events", `{"name":"doorbell","parameter":{"floor":2}}`, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "doorbell", ev.Name)
	assert.EqualValues(t, 2, ev.Parameter["floor"])

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
