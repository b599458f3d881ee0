package acp

import (
	"encoding/json"
	"testing"
)

func TestEncoders(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"input", EncodeInput("ls -la\r"), `{"type":"input","data":{"data":"ls -la\r"}}`},
		{"resize", EncodeResize(24, 80), `{"type":"resize","data":{"rows":24,"cols":80}}`},
		{"ping", EncodePing(), `{"type":"ping"}`},
		{"select_agent", EncodeSelectAgent("claude-code"), `{"type":"select_agent","agentType":"claude-code"}`},
		{"cancel", EncodeCancel(), `{"jsonrpc":"2.0","method":"session/cancel","params":{}}`},
		{"prompt", EncodePrompt(7, "hi"), `{"jsonrpc":"2.0","id":7,"method":"session/prompt","params":{"prompt":[{"type":"text","text":"hi"}]}}`},
	}

	for _, tt := range tests {
		var got, want any
		if err := json.Unmarshal(tt.got, &got); err != nil {
			t.Fatalf("%s: encoder produced invalid JSON: %v", tt.name, err)
		}
		if err := json.Unmarshal([]byte(tt.want), &want); err != nil {
			t.Fatalf("%s: bad fixture: %v", tt.name, err)
		}
		gotJSON, _ := json.Marshal(got)
		wantJSON, _ := json.Marshal(want)
		if string(gotJSON) != string(wantJSON) {
			t.Errorf("%s: got %s, want %s", tt.name, gotJSON, wantJSON)
		}
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not json",
		"[1,2,3]",
		`"string"`,
		`{"type":`,
		`{"data":{"x":1}}`,
		`{"type":""}`,
		`{"type":42}`,
	}
	for _, in := range inputs {
		if f := DecodeFrame([]byte(in)); f != nil {
			t.Errorf("DecodeFrame(%q) = %+v, want nil", in, f)
		}
	}
}

func TestDecodeFrame_FlatControl(t *testing.T) {
	f := DecodeFrame([]byte(`{"type":"session_state","status":"ready","agentType":"claude-code","replayCount":3}`))
	if f == nil {
		t.Fatal("expected frame")
	}
	if f.Type != FrameSessionState {
		t.Fatalf("Type = %q", f.Type)
	}
	st, ok := f.Status()
	if !ok {
		t.Fatal("expected status payload")
	}
	if st.Status != StatusReady || st.AgentType != "claude-code" || st.ReplayCount != 3 {
		t.Errorf("unexpected payload %+v", st)
	}
}

func TestDecodeFrame_DataEnvelope(t *testing.T) {
	f := DecodeFrame([]byte(`{"type":"agent_status","data":{"status":"error","agentType":"codex","error":"Agent crashed"}}`))
	if f == nil {
		t.Fatal("expected frame")
	}
	st, ok := f.Status()
	if !ok || st.Status != StatusError || st.Error != "Agent crashed" {
		t.Errorf("unexpected payload %+v (ok=%v)", st, ok)
	}
}

func TestDecodeFrame_JSONRPC(t *testing.T) {
	f := DecodeFrame([]byte(`{"jsonrpc":"2.0","id":3,"result":{"stopReason":"end_turn"}}`))
	if f == nil || f.Type != FrameJSONRPC {
		t.Fatalf("expected jsonrpc frame, got %+v", f)
	}
	env, ok := f.RPC()
	if !ok {
		t.Fatal("expected envelope")
	}
	if !env.IsResponse() {
		t.Error("expected response envelope")
	}
	if string(env.ID) != "3" {
		t.Errorf("ID = %s", env.ID)
	}

	n := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{}}`))
	env, ok = n.RPC()
	if !ok || env.IsResponse() || env.Method != "session/update" {
		t.Errorf("unexpected notification envelope %+v", env)
	}
}

func TestFrame_ErrorMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"type":"error","message":"Agent install failed"}`, "Agent install failed"},
		{`{"type":"error","data":{"error":"boom"}}`, "boom"},
		{`{"type":"error","data":"plain text"}`, "plain text"},
		{`{"type":"pong"}`, ""},
	}
	for _, tt := range tests {
		f := DecodeFrame([]byte(tt.in))
		if got := f.ErrorMessage(); got != tt.want {
			t.Errorf("ErrorMessage(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFrame_AccessorsOnNil(t *testing.T) {
	var f *Frame
	if _, ok := f.Status(); ok {
		t.Error("Status on nil frame should fail")
	}
	if _, ok := f.RPC(); ok {
		t.Error("RPC on nil frame should fail")
	}
	if f.ErrorMessage() != "" {
		t.Error("ErrorMessage on nil frame should be empty")
	}
}
