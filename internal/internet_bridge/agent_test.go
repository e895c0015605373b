package internet_bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"path":"/usr/events/0"}`))
	}))
	defer local.Close()

	a := New(Config{LocalURL: local.URL + "/"})
	resp := a.forward(context.Background(), requestMsg{
		Type:    "request",
		ReqId:   "r1",
		Method:  http.MethodPost,
		Path:    "/rules",
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Body:    json.RawMessage(`{"id":"a"}`),
	})
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "r1", resp.ReqId)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"path":"/usr/events/0"}`, string(resp.Body))

	resp = a.forward(context.Background(), requestMsg{Method: http.MethodGet, Path: "rules"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestForwardLocalDown(t *testing.T) {
	a := New(Config{LocalURL: "http://127.0.0.1:1"})
	resp := a.forward(context.Background(), requestMsg{Method: http.MethodGet, Path: "/healthz"})
	assert.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestAgentRegistersAndAnswers(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer local.Close()

	upgrader := websocket.Upgrader{}
	got := make(chan responseMsg, 1)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var reg map[string]string
		if err := ws.ReadJSON(&reg); err != nil || reg["id"] != "home-1" {
			return
		}
		ws.WriteJSON(requestMsg{Type: "request", ReqId: "r7", Method: http.MethodGet, Path: "/healthz"})
		var resp responseMsg
		if err := ws.ReadJSON(&resp); err == nil {
			select {
			case got <- resp:
			default:
			}
		}
	}))
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New(Config{
		PublicWS:   "ws" + strings.TrimPrefix(relay.URL, "http"),
		LocalURL:   local.URL,
		ServerID:   "home-1",
		RetryDelay: 10 * time.Millisecond,
	})
	go a.Start(ctx)

	select {
	case resp := <-got:
		assert.Equal(t, "r7", resp.ReqId)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.JSONEq(t, `"plain text"`, string(resp.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("no response from agent")
	}
}
