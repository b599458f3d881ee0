package acp

import (
	"bytes"
	"encoding/json"
)

// CloseCode is a WebSocket close status code.
type CloseCode int

// Close codes consumed by the error taxonomy.
const (
	// NoCloseCode marks a closure that carried no status code.
	NoCloseCode           CloseCode = -1
	CloseNormal           CloseCode = 1000
	CloseGoingAway        CloseCode = 1001
	CloseAbnormal         CloseCode = 1006
	ClosePolicyViolation  CloseCode = 1008
	CloseInternalError    CloseCode = 1011
	CloseHeartbeatTimeout CloseCode = 4000
	CloseAuthExpired      CloseCode = 4001
)

// Frame types sent by the agent host.
const (
	FrameSessionState     = "session_state"
	FrameAgentStatus      = "agent_status"
	FrameSessionPrompting = "session_prompting"
	FramePromptDone       = "session_prompt_done"
	FrameReplayComplete   = "session_replay_complete"
	FramePong             = "pong"
	FrameError            = "error"

	// FrameJSONRPC tags JSON-RPC 2.0 envelopes relayed from the agent.
	FrameJSONRPC = "jsonrpc"
)

// Host-reported agent and session statuses.
const (
	StatusIdle      = "idle"
	StatusStarting  = "starting"
	StatusReady     = "ready"
	StatusPrompting = "prompting"
	StatusError     = "error"
	StatusStopped   = "stopped"
)

// Frame is one decoded incoming message.
type Frame struct {
	// Type is the control type, or FrameJSONRPC for JSON-RPC envelopes.
	Type string
	// Data is the "data" member when present, otherwise the whole object.
	Data json.RawMessage
	// Raw is the original frame text.
	Raw json.RawMessage
}

// StatusPayload is the body of session_state and agent_status frames.
type StatusPayload struct {
	Status      string `json:"status"`
	AgentType   string `json:"agentType,omitempty"`
	Error       string `json:"error,omitempty"`
	ReplayCount int    `json:"replayCount,omitempty"`
}

// ErrorPayload is the body of a host error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// RPCEnvelope is a JSON-RPC 2.0 request, notification, or response.
type RPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// IsResponse reports whether the envelope answers a request.
func (e *RPCEnvelope) IsResponse() bool {
	return e.Method == "" && len(e.ID) > 0
}

// Status decodes a session_state or agent_status payload.
func (f *Frame) Status() (StatusPayload, bool) {
	var p StatusPayload
	if f == nil || (f.Type != FrameSessionState && f.Type != FrameAgentStatus) {
		return p, false
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, false
	}
	return p, true
}

// RPC decodes a JSON-RPC envelope frame.
func (f *Frame) RPC() (*RPCEnvelope, bool) {
	if f == nil || f.Type != FrameJSONRPC {
		return nil, false
	}
	var env RPCEnvelope
	if err := json.Unmarshal(f.Raw, &env); err != nil {
		return nil, false
	}
	return &env, true
}

// ErrorMessage returns the message carried by an error frame.
func (f *Frame) ErrorMessage() string {
	if f == nil || f.Type != FrameError {
		return ""
	}
	var p ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		var s string
		if json.Unmarshal(f.Data, &s) == nil {
			return s
		}
		return ""
	}
	if p.Message != "" {
		return p.Message
	}
	return p.Error
}

// DecodeFrame parses an incoming text frame. It returns nil for anything that
// is not a JSON object tagged with a type or a JSON-RPC version.
func DecodeFrame(data []byte) *Frame {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var head struct {
		Type    *string         `json:"type"`
		JSONRPC string          `json:"jsonrpc"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil
	}

	raw := json.RawMessage(append([]byte(nil), trimmed...))
	if head.JSONRPC == "2.0" {
		return &Frame{Type: FrameJSONRPC, Data: raw, Raw: raw}
	}
	if head.Type == nil || *head.Type == "" {
		return nil
	}

	payload := raw
	if len(head.Data) > 0 && !bytes.Equal(head.Data, []byte("null")) {
		payload = append(json.RawMessage(nil), head.Data...)
	}
	return &Frame{Type: *head.Type, Data: payload, Raw: raw}
}

type typedFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type inputData struct {
	Data string `json:"data"`
}

type resizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// EncodeInput frames terminal input.
func EncodeInput(data string) []byte {
	return mustMarshal(typedFrame{Type: "input", Data: inputData{Data: data}})
}

// EncodeResize frames a terminal resize.
func EncodeResize(rows, cols int) []byte {
	return mustMarshal(typedFrame{Type: "resize", Data: resizeData{Rows: rows, Cols: cols}})
}

// EncodePing frames an application-level keepalive.
func EncodePing() []byte {
	return mustMarshal(typedFrame{Type: "ping"})
}

// EncodeSelectAgent asks the host to bind agentType to the session.
func EncodeSelectAgent(agentType string) []byte {
	return mustMarshal(struct {
		Type      string `json:"type"`
		AgentType string `json:"agentType"`
	}{Type: "select_agent", AgentType: agentType})
}

type promptBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodePrompt builds a session/prompt JSON-RPC request with a single text block.
func EncodePrompt(id int64, text string) []byte {
	return mustMarshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "session/prompt",
		Params: struct {
			Prompt []promptBlock `json:"prompt"`
		}{Prompt: []promptBlock{{Type: "text", Text: text}}},
	})
}

// EncodeCancel builds a session/cancel notification.
func EncodeCancel() []byte {
	return mustMarshal(struct {
		JSONRPC string   `json:"jsonrpc"`
		Method  string   `json:"method"`
		Params  struct{} `json:"params"`
	}{JSONRPC: "2.0", Method: "session/cancel"})
}

// mustMarshal is only used with fixed, always-encodable shapes.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("acp: encode frame: " + err.Error())
	}
	return data
}
