package acp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestSession_HappyPathWithAgent(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) { c.AgentType = "claude-code" })

	var mu sync.Mutex
	var seen []Snapshot
	h.session.OnStateChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.expectState(t, StateConnecting)

	tr := h.dialer.last(t)
	if !tr.opened {
		t.Fatal("transport was not opened")
	}
	if tr.url != "ws://agent.test/acp?token=abc" {
		t.Errorf("dialed %q", tr.url)
	}

	tr.open()
	h.expectState(t, StateInitializing)
	if got := tr.lastSent(t); got["type"] != "select_agent" || got["agentType"] != "claude-code" {
		t.Fatalf("handshake frame = %v", got)
	}

	tr.receive(t, `{"type":"agent_status","status":"starting","agentType":"claude-code"}`)
	h.expectState(t, StateInitializing)

	tr.receive(t, `{"type":"agent_status","status":"ready","agentType":"claude-code"}`)
	h.expectState(t, StateReady)

	mu.Lock()
	defer mu.Unlock()
	wantStates := []State{StateConnecting, StateInitializing, StateReady}
	if len(seen) != len(wantStates) {
		t.Fatalf("observed %d transitions, want %d: %+v", len(seen), len(wantStates), seen)
	}
	for i, snap := range seen {
		if snap.State != wantStates[i] {
			t.Errorf("transition %d = %s, want %s", i, snap.State, wantStates[i])
		}
		if snap.RetryCount != 0 {
			t.Errorf("transition %d retryCount = %d, want 0", i, snap.RetryCount)
		}
		if snap.LastError != nil {
			t.Errorf("transition %d has lastError %+v", i, snap.LastError)
		}
	}
}

func TestSession_HappyPathWithoutAgent(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Connect()
	tr := h.dialer.last(t)
	tr.open()

	if len(tr.sentFrames()) != 0 {
		t.Fatalf("no handshake expected without an agent, sent %v", tr.sentFrames())
	}

	tr.receive(t, `{"type":"session_state","status":"idle","agentType":"codex"}`)
	h.expectState(t, StateReady)
	if got := h.session.Snapshot().AgentType; got != "codex" {
		t.Errorf("agentType = %q, want adopted from host", got)
	}
}

func TestSession_ResumesIntoPrompting(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Connect()
	tr := h.dialer.last(t)
	tr.open()
	tr.receive(t, `{"type":"session_state","status":"prompting"}`)
	h.expectState(t, StatePrompting)

	tr.receive(t, `{"type":"session_prompt_done"}`)
	h.expectState(t, StateReady)
}

func TestSession_UnexpectedCloseSchedulesBackoff(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	tr.drop(CloseAbnormal)

	h.expectState(t, StateReconnecting)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeNetworkDisconnected {
		t.Fatalf("lastError = %+v, want NETWORK_DISCONNECTED", snap.LastError)
	}
	if snap.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", snap.RetryCount)
	}
	if n := h.clock.Pending(); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}
	if d, _ := h.clock.NextDeadline(); d != time.Second {
		t.Errorf("reconnect delay = %v, want 1s", d)
	}

	h.clock.Advance(time.Second)
	h.expectState(t, StateConnecting)
	if h.dialer.count() != 2 {
		t.Fatalf("dial count = %d, want 2", h.dialer.count())
	}
}

func TestSession_BackoffGrowsAcrossFailedAttempts(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)
	tr.drop(CloseAbnormal)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		d, _ := h.clock.NextDeadline()
		h.clock.Advance(d)
		h.expectState(t, StateConnecting)

		// Dial failures surface as an abnormal close before open.
		h.dialer.last(t).drop(CloseAbnormal)
		h.expectState(t, StateReconnecting)

		snap := h.session.Snapshot()
		if snap.RetryCount != i+2 {
			t.Errorf("attempt %d: retryCount = %d, want %d", i, snap.RetryCount, i+2)
		}
		if snap.LastError == nil || snap.LastError.Code != CodeConnectionFailed {
			t.Errorf("attempt %d: lastError = %+v, want CONNECTION_FAILED", i, snap.LastError)
		}
		if got, _ := h.clock.NextDeadline(); got != want {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, want)
		}
	}
}

func TestSession_MaxRetriesEndsInReconnectTimeout(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) { c.MaxRetries = 2 })
	tr := h.ready(t)

	tr.drop(CloseGoingAway)
	for i := 0; i < 2; i++ {
		d, _ := h.clock.NextDeadline()
		h.clock.Advance(d)
		h.dialer.last(t).drop(CloseAbnormal)
	}

	h.expectState(t, StateError)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeReconnectTimeout {
		t.Fatalf("lastError = %+v, want RECONNECT_TIMEOUT", snap.LastError)
	}
	if snap.LastError.Severity != SeverityRecoverable {
		t.Errorf("severity = %s, want recoverable", snap.LastError.Severity)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	if h.dialer.count() != 3 {
		t.Errorf("dial count = %d, want 3", h.dialer.count())
	}
}

func TestSession_RetryCancelsPendingTimer(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)
	tr.drop(CloseAbnormal)
	h.expectState(t, StateReconnecting)

	if err := h.session.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.expectState(t, StateConnecting)
	if rc := h.session.Snapshot().RetryCount; rc != 0 {
		t.Errorf("retryCount = %d, want 0", rc)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}

	var transitions int
	h.session.OnStateChange(func(Snapshot) { transitions++ })
	h.clock.Advance(time.Minute)

	if transitions != 0 {
		t.Errorf("cancelled timer caused %d transitions", transitions)
	}
	if h.dialer.count() != 2 {
		t.Errorf("dial count = %d, want 2", h.dialer.count())
	}
	h.expectState(t, StateConnecting)
}

func TestSession_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	old := h.ready(t)

	if err := h.session.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !old.isClosed() {
		t.Fatal("superseded transport was not closed")
	}
	h.expectState(t, StateConnecting)

	old.drop(CloseAbnormal)
	old.open()
	old.receive(t, `{"type":"session_state","status":"ready"}`)

	h.expectState(t, StateConnecting)
	snap := h.session.Snapshot()
	if snap.RetryCount != 0 || snap.LastError != nil {
		t.Errorf("stale events changed session: %+v", snap)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}

	current := h.dialer.last(t)
	current.open()
	h.expectState(t, StateInitializing)
}

func TestSession_SwitchAgentGuard(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) { c.AgentType = "claude-code" })
	h.session.Connect()

	if err := h.session.SwitchAgent("other"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SwitchAgent during connecting = %v, want ErrInvalidState", err)
	}
	snap := h.session.Snapshot()
	if snap.AgentType != "claude-code" || snap.State != StateConnecting {
		t.Errorf("guarded switch changed session: %+v", snap)
	}

	h.dialer.last(t).open()
	if err := h.session.SwitchAgent("other"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SwitchAgent during initializing = %v, want ErrInvalidState", err)
	}
}

func TestSession_SwitchAgentReusesConnection(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) { c.AgentType = "claude-code" })
	h.session.Connect()
	tr := h.dialer.last(t)
	tr.open()
	tr.receive(t, `{"type":"agent_status","status":"ready","agentType":"claude-code"}`)
	h.expectState(t, StateReady)

	if err := h.session.SwitchAgent("claude-code"); err != nil {
		t.Fatalf("same-agent switch: %v", err)
	}
	h.expectState(t, StateReady)

	if err := h.session.SwitchAgent("codex"); err != nil {
		t.Fatalf("SwitchAgent: %v", err)
	}
	h.expectState(t, StateInitializing)
	if got := tr.lastSent(t); got["agentType"] != "codex" {
		t.Errorf("select frame = %v", got)
	}
	if h.dialer.count() != 1 || tr.isClosed() {
		t.Fatal("switching agent must not reopen the transport")
	}

	// A late ack for the previous agent does not complete the switch.
	tr.receive(t, `{"type":"agent_status","status":"ready","agentType":"claude-code"}`)
	h.expectState(t, StateInitializing)

	tr.receive(t, `{"type":"agent_status","status":"ready","agentType":"codex"}`)
	h.expectState(t, StateReady)
	if got := h.session.Snapshot().AgentType; got != "codex" {
		t.Errorf("agentType = %q, want codex", got)
	}
}

func TestSession_SwitchAgentWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.SwitchAgent("codex"); err != nil {
		t.Fatalf("SwitchAgent: %v", err)
	}
	h.expectState(t, StateDisconnected)

	h.session.Connect()
	tr := h.dialer.last(t)
	tr.open()
	if got := tr.lastSent(t); got["agentType"] != "codex" {
		t.Errorf("handshake frame = %v", got)
	}
}

func TestSession_FatalCloseStopsRetries(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	tr.drop(ClosePolicyViolation)

	h.expectState(t, StateError)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeAuthRejected {
		t.Fatalf("lastError = %+v, want AUTH_REJECTED", snap.LastError)
	}
	if snap.LastError.Severity != SeverityFatal {
		t.Errorf("severity = %s, want fatal", snap.LastError.Severity)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}

	h.clock.Advance(time.Hour)
	h.expectState(t, StateError)
	if h.dialer.count() != 1 {
		t.Errorf("dial count = %d, want 1", h.dialer.count())
	}

	if err := h.session.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	h.expectState(t, StateConnecting)
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	h.session.Disconnect()
	h.session.Disconnect()

	h.expectState(t, StateDisconnected)
	if !tr.isClosed() {
		t.Error("transport not closed")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestSession_DisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t).drop(CloseAbnormal)
	h.expectState(t, StateReconnecting)

	h.session.Disconnect()
	h.expectState(t, StateDisconnected)
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
	if snap := h.session.Snapshot(); snap.RetryCount != 0 || snap.LastError != nil {
		t.Errorf("disconnect left state behind: %+v", snap)
	}
}

func TestSession_ServerNormalCloseDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t).drop(CloseNormal)

	h.expectState(t, StateDisconnected)
	if snap := h.session.Snapshot(); snap.LastError != nil {
		t.Errorf("normal close classified as %+v", snap.LastError)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}
}

func TestSession_PromptLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.session.SendPrompt("hi"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("SendPrompt while disconnected = %v, want ErrInvalidState", err)
	}

	tr := h.ready(t)
	if err := h.session.SendPrompt("list files"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	h.expectState(t, StatePrompting)

	sent := tr.lastSent(t)
	if sent["method"] != "session/prompt" {
		t.Fatalf("prompt frame = %v", sent)
	}
	id := sent["id"].(float64)

	if err := h.session.SendPrompt("again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second SendPrompt = %v, want ErrInvalidState", err)
	}

	// Responses to other ids do not complete the prompt.
	tr.receive(t, `{"jsonrpc":"2.0","id":999,"result":{"stopReason":"end_turn"}}`)
	h.expectState(t, StatePrompting)

	tr.receive(t, `{"jsonrpc":"2.0","id":`+formatID(id)+`,"result":{"stopReason":"end_turn"}}`)
	h.expectState(t, StateReady)
	if snap := h.session.Snapshot(); snap.PromptError != nil {
		t.Errorf("unexpected prompt error %+v", snap.PromptError)
	}

	conv := h.session.Messages().Snapshot().Conversation
	if len(conv) != 1 || conv[0].Role != RoleUser || conv[0].Text != "list files" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestSession_PromptErrorReturnsToReady(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)
	h.session.SendPrompt("do it")
	id := tr.lastSent(t)["id"].(float64)

	tr.receive(t, `{"jsonrpc":"2.0","id":`+formatID(id)+`,"error":{"code":-32603,"message":"Prompt timed out after 600s"}}`)

	h.expectState(t, StateReady)
	snap := h.session.Snapshot()
	if snap.LastError != nil {
		t.Errorf("ready with lastError %+v", snap.LastError)
	}
	if snap.PromptError == nil || snap.PromptError.Code != CodePromptTimeout {
		t.Fatalf("promptError = %+v, want PROMPT_TIMEOUT", snap.PromptError)
	}

	h.session.SendPrompt("retry it")
	if snap := h.session.Snapshot(); snap.PromptError != nil {
		t.Errorf("new prompt kept stale promptError %+v", snap.PromptError)
	}
}

func TestSession_CancelPrompt(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	if err := h.session.CancelPrompt(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("CancelPrompt while ready = %v, want ErrInvalidState", err)
	}

	h.session.SendPrompt("long task")
	id := tr.lastSent(t)["id"].(float64)
	if err := h.session.CancelPrompt(); err != nil {
		t.Fatalf("CancelPrompt: %v", err)
	}
	h.expectState(t, StateReady)
	if got := tr.lastSent(t); got["method"] != "session/cancel" {
		t.Errorf("cancel frame = %v", got)
	}

	// The cancelled prompt's late reply must not disturb the session.
	tr.receive(t, `{"jsonrpc":"2.0","id":`+formatID(id)+`,"result":{"stopReason":"cancelled"}}`)
	h.expectState(t, StateReady)
}

func TestSession_SendFailureDoesNotTransition(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)
	tr.mu.Lock()
	tr.sendErr = ErrSendQueueFull
	tr.mu.Unlock()

	err := h.session.SendPrompt("hello")
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("SendPrompt = %v, want ErrSendQueueFull", err)
	}
	h.expectState(t, StateReady)
}

func TestSession_AgentErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) { c.AgentType = "claude-code" })
	h.session.Connect()
	tr := h.dialer.last(t)
	tr.open()

	tr.receive(t, `{"type":"agent_status","status":"error","agentType":"claude-code","error":"Agent crashed with exit code 1"}`)

	h.expectState(t, StateError)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeAgentCrash {
		t.Fatalf("lastError = %+v, want AGENT_CRASH", snap.LastError)
	}
	if tr.isClosed() {
		t.Fatal("agent error must not close the transport")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d, want 0", n)
	}

	if err := h.session.SwitchAgent("codex"); err != nil {
		t.Fatalf("SwitchAgent from error: %v", err)
	}
	h.expectState(t, StateInitializing)
	tr.receive(t, `{"type":"agent_status","status":"ready","agentType":"codex"}`)
	h.expectState(t, StateReady)
	if snap := h.session.Snapshot(); snap.LastError != nil {
		t.Errorf("ready with lastError %+v", snap.LastError)
	}
}

func TestSession_HostErrorFrame(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	tr.receive(t, `{"type":"error","message":"Agent install failed: timeout"}`)

	h.expectState(t, StateError)
	if snap := h.session.Snapshot(); snap.LastError == nil || snap.LastError.Code != CodeAgentInstallFailed {
		t.Fatalf("lastError = %+v, want AGENT_INSTALL_FAILED", snap.LastError)
	}
}

func TestSession_MalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)
	before := h.session.Messages().Len()

	tr.receive(t, `not json`)
	tr.receive(t, `{"no":"type"}`)

	h.expectState(t, StateReady)
	if got := h.session.Messages().Len(); got != before {
		t.Errorf("malformed frames stored: %d -> %d", before, got)
	}
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.HeartbeatInterval = 10 * time.Second
		c.HeartbeatTimeout = 5 * time.Second
	})
	tr := h.ready(t)

	h.clock.Advance(10 * time.Second)
	if got := tr.lastSent(t); got["type"] != "ping" {
		t.Fatalf("expected ping, got %v", got)
	}

	h.clock.Advance(5 * time.Second)
	h.expectState(t, StateReconnecting)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeHeartbeatTimeout {
		t.Fatalf("lastError = %+v, want HEARTBEAT_TIMEOUT", snap.LastError)
	}
	if !tr.isClosed() {
		t.Error("timed out transport not closed")
	}
	if d, _ := h.clock.NextDeadline(); d != time.Second {
		t.Errorf("reconnect delay = %v, want 1s", d)
	}
}

func TestSession_HeartbeatPongKeepsAlive(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.HeartbeatInterval = 10 * time.Second
		c.HeartbeatTimeout = 5 * time.Second
	})
	tr := h.ready(t)

	for i := 0; i < 3; i++ {
		h.clock.Advance(10 * time.Second)
		tr.receive(t, `{"type":"pong"}`)
	}
	h.clock.Advance(4 * time.Second)
	h.expectState(t, StateReady)

	pings := 0
	for _, f := range tr.sentFrames() {
		if f["type"] == "ping" {
			pings++
		}
	}
	if pings != 3 {
		t.Errorf("pings = %d, want 3", pings)
	}
}

func TestSession_CloseIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.ready(t)

	h.session.Close()
	h.session.Close()

	h.expectState(t, StateDisconnected)
	if !tr.isClosed() {
		t.Error("transport not closed")
	}

	checks := map[string]error{
		"Connect":      h.session.Connect(),
		"Retry":        h.session.Retry(),
		"SwitchAgent":  h.session.SwitchAgent("codex"),
		"SendPrompt":   h.session.SendPrompt("hi"),
		"CancelPrompt": h.session.CancelPrompt(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("%s after Close = %v, want ErrSessionClosed", name, err)
		}
	}
	h.session.Disconnect()

	tr.drop(CloseAbnormal)
	h.expectState(t, StateDisconnected)
	if h.dialer.count() != 1 {
		t.Errorf("dial count = %d, want 1", h.dialer.count())
	}
}

func TestSession_ConnectGuard(t *testing.T) {
	h := newHarness(t, nil)
	h.ready(t)
	if err := h.session.Connect(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect while ready = %v, want ErrInvalidState", err)
	}
}

func TestSession_ListenerMayCallBack(t *testing.T) {
	h := newHarness(t, nil)
	h.session.OnStateChange(func(s Snapshot) {
		if s.State == StateReady {
			_ = h.session.SendPrompt("auto")
		}
	})
	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr := h.dialer.last(t)
	tr.open()
	tr.receive(t, `{"type":"session_state","status":"idle"}`)

	h.expectState(t, StatePrompting)
	sent := tr.lastSent(t)
	if sent["method"] != "session/prompt" {
		t.Fatalf("last frame = %v, want session/prompt", sent)
	}
	prompt := sent["params"].(map[string]any)["prompt"].([]any)
	if text := prompt[0].(map[string]any)["text"]; text != "auto" {
		t.Errorf("prompt text = %v, want auto", text)
	}
}

func TestSession_MessageListener(t *testing.T) {
	h := newHarness(t, nil)
	var got []Message
	h.session.OnMessage(func(m Message) { got = append(got, m) })
	tr := h.ready(t)
	tr.receive(t, `{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello"}}}}`)

	if len(got) != 2 {
		t.Fatalf("listener saw %d messages, want 2", len(got))
	}
	if got[1].Method != MethodSessionUpdate || got[1].Seq != 2 {
		t.Errorf("unexpected message %+v", got[1])
	}
}

func TestSession_ResolverFailure(t *testing.T) {
	calls := make(chan struct{}, 4)
	h := newHarness(t, func(c *SessionConfig) {
		c.URL = ""
		c.Resolver = func(context.Context) (string, error) {
			calls <- struct{}{}
			return "", errors.New("workspace stopped")
		}
	})

	states := make(chan State, 8)
	h.session.OnStateChange(func(s Snapshot) { states <- s.State })
	h.session.Connect()

	waitState(t, states, StateReconnecting)
	snap := h.session.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeURLUnavailable {
		t.Fatalf("lastError = %+v, want URL_UNAVAILABLE", snap.LastError)
	}
	if h.dialer.count() != 0 {
		t.Errorf("dial count = %d, want 0", h.dialer.count())
	}
	if len(calls) != 1 {
		t.Errorf("resolver calls = %d, want 1", len(calls))
	}
}

func TestSession_ResolverPerAttempt(t *testing.T) {
	var mu sync.Mutex
	n := 0
	h := newHarness(t, func(c *SessionConfig) {
		c.URL = ""
		c.Resolver = func(context.Context) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return "ws://agent.test/acp?token=t" + formatID(float64(n)), nil
		}
	})

	h.session.Connect()
	first := waitDial(t, h.dialer)
	if first.url != "ws://agent.test/acp?token=t1" {
		t.Errorf("first url = %q", first.url)
	}
	first.open()
	first.drop(CloseAbnormal)

	h.clock.Advance(time.Second)
	second := waitDial(t, h.dialer)
	if second.url != "ws://agent.test/acp?token=t2" {
		t.Errorf("second url = %q", second.url)
	}
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitDial(t *testing.T, d *fakeDialer) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.created:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func formatID(id float64) string {
	return strconv.FormatInt(int64(id), 10)
}
