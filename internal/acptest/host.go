// Package acptest provides an in-process agent host for exercising ACP
// clients over a real WebSocket.
package acptest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Options configures a Host. The zero value accepts any token and brings
// every agent up successfully.
type Options struct {
	// Token, when set, must match the "token" query parameter. Mismatches
	// are closed with policy violation (1008) after the upgrade.
	Token string
	// AgentType is reported in the initial session_state.
	AgentType string
	// FailAgents maps agent types to the error reported when selected.
	FailAgents map[string]string
	// ReplayCount is advertised in the initial session_state.
	ReplayCount int
	// SilentPings suppresses pong replies.
	SilentPings bool
	// Usage is attached to every prompt result.
	Usage map[string]int64
}

// Host is a fake agent host speaking the session-host control protocol plus
// JSON-RPC session/update notifications.
type Host struct {
	opts     Options
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	received []json.RawMessage
	dials    int
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewHost starts a Host on a loopback listener.
func NewHost(opts Options) *Host {
	h := &Host{
		opts:  opts,
		conns: make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.serveWS))
	return h
}

// URL returns the ws:// endpoint with token appended when non-empty.
func (h *Host) URL(token string) string {
	u := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/acp"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// Close drops every connection abnormally and stops the listener.
func (h *Host) Close() {
	h.mu.Lock()
	for c := range h.conns {
		_ = c.ws.Close()
	}
	h.mu.Unlock()
	h.server.Close()
}

// Dials returns how many upgrades the host has accepted.
func (h *Host) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Connections returns the number of live connections.
func (h *Host) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Received returns the frames clients have sent, in order.
func (h *Host) Received() []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]json.RawMessage(nil), h.received...)
}

// CloseAll sends a close frame with code to every client.
func (h *Host) CloseAll(code int, reason string) {
	for _, c := range h.snapshotConns() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.writeMu.Unlock()
	}
}

// DropAll severs every connection without a close frame.
func (h *Host) DropAll() {
	for _, c := range h.snapshotConns() {
		_ = c.ws.Close()
	}
}

// Broadcast writes a raw frame to every client.
func (h *Host) Broadcast(v any) {
	for _, c := range h.snapshotConns() {
		c.send(v)
	}
}

func (h *Host) snapshotConns() []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("acptest: upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws}

	if h.opts.Token != "" && r.URL.Query().Get("token") != h.opts.Token {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.dials++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = ws.Close()
	}()

	status := "idle"
	if h.opts.AgentType != "" {
		status = "ready"
	}
	c.send(map[string]any{
		"type":        "session_state",
		"status":      status,
		"agentType":   h.opts.AgentType,
		"replayCount": h.opts.ReplayCount,
	})
	if h.opts.ReplayCount > 0 {
		for i := 0; i < h.opts.ReplayCount; i++ {
			c.send(sessionUpdate(acpsdk.UpdateAgentMessageText("replayed ")))
		}
		c.send(map[string]any{"type": "session_replay_complete"})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.received = append(h.received, append(json.RawMessage(nil), data...))
		h.mu.Unlock()
		h.handle(c, data)
	}
}

type inbound struct {
	Type      string          `json:"type"`
	AgentType string          `json:"agentType"`
	JSONRPC   string          `json:"jsonrpc"`
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Params    struct {
		Prompt []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	} `json:"params"`
}

func (h *Host) handle(c *conn, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch {
	case msg.Type == "ping":
		if !h.opts.SilentPings {
			c.send(map[string]any{"type": "pong"})
		}
	case msg.Type == "select_agent":
		c.send(map[string]any{"type": "agent_status", "status": "starting", "agentType": msg.AgentType})
		if reason, ok := h.opts.FailAgents[msg.AgentType]; ok {
			c.send(map[string]any{"type": "agent_status", "status": "error", "agentType": msg.AgentType, "error": reason})
			return
		}
		c.send(map[string]any{"type": "agent_status", "status": "ready", "agentType": msg.AgentType})
	case msg.Method == "session/prompt":
		var text string
		for _, block := range msg.Params.Prompt {
			text += block.Text
		}
		c.send(map[string]any{"type": "session_prompting"})
		c.send(sessionUpdate(acpsdk.UpdateAgentMessageText("echo: ")))
		c.send(sessionUpdate(acpsdk.UpdateAgentMessageText(text)))
		result := map[string]any{"stopReason": "end_turn"}
		if h.opts.Usage != nil {
			result["usage"] = h.opts.Usage
		}
		c.send(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
		c.send(map[string]any{"type": "session_prompt_done"})
	case msg.Method == "session/cancel":
		c.send(map[string]any{"type": "session_prompt_done"})
	}
}

func sessionUpdate(u acpsdk.SessionUpdate) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  acpsdk.SessionNotification{SessionId: "acptest", Update: u},
	}
}

func (c *conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("acptest: marshal failed", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("acptest: write failed", "error", err)
	}
}
