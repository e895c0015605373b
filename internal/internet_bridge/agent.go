// Package internet_bridge tunnels admin API requests from a public relay to
// the local server over an outbound websocket.
package internet_bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dsrules/internal/logging"
)

const maxResponseBody = 1 << 20

type Config struct {
	PublicWS   string // ws://host:port/agent
	LocalURL   string // http://127.0.0.1:5069
	ServerID   string
	RetryDelay time.Duration
}

type requestMsg struct {
	Type    string            `json:"type"`
	ReqId   string            `json:"reqId"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type responseMsg struct {
	Type   string          `json:"type"`
	ReqId  string          `json:"reqId"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type Agent struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config) *Agent {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	cfg.LocalURL = strings.TrimRight(cfg.LocalURL, "/")
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logging.Component("bridge"),
	}
}

// Start keeps a relay connection open until ctx is done
func (a *Agent) Start(ctx context.Context) {
	for {
		if err := a.run(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Str("relay", a.cfg.PublicWS).Msg("relay connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.RetryDelay):
		}
	}
}

func (a *Agent) run(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.PublicWS, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if err := ws.WriteJSON(map[string]string{"type": "register", "id": a.cfg.ServerID}); err != nil {
		return err
	}
	a.log.Info().Str("relay", a.cfg.PublicWS).Str("id", a.cfg.ServerID).Msg("registered with relay")

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var req requestMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			a.log.Debug().Err(err).Msg("undecodable relay message")
			continue
		}
		if req.Type != "request" {
			continue
		}

		if err := ws.WriteJSON(a.forward(ctx, req)); err != nil {
			return err
		}
	}
}

// forward replays req against the local server
func (a *Agent) forward(ctx context.Context, req requestMsg) responseMsg {
	resp := responseMsg{Type: "response", ReqId: req.ReqId}
	if !strings.HasPrefix(req.Path, "/") {
		resp.Status = http.StatusBadRequest
		return resp
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, a.cfg.LocalURL+req.Path, body)
	if err != nil {
		resp.Status = http.StatusBadRequest
		return resp
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		a.log.Error().Err(err).Str("path", req.Path).Msg("local request failed")
		resp.Status = http.StatusBadGateway
		return resp
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		resp.Status = http.StatusBadGateway
		return resp
	}
	resp.Status = res.StatusCode
	if json.Valid(raw) {
		resp.Body = raw
	} else if len(raw) > 0 {
		resp.Body, _ = json.Marshal(string(raw))
	}
	return resp
}
