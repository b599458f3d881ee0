package acp

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-acp/internal/clock"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeTransport records calls and lets tests emit events by hand.
type fakeTransport struct {
	url    string
	events TransportEvents

	mu        sync.Mutex
	opened    bool
	closed    bool
	closeWith string
	sent      [][]byte
	sendErr   error
}

func (f *fakeTransport) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

// Close mirrors the real transport by reporting a normal close synchronously.
func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.closeWith = reason
	f.mu.Unlock()
	if !already {
		f.events.OnClose(CloseNormal, reason)
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentFrames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) lastSent(t *testing.T) map[string]any {
	t.Helper()
	frames := f.sentFrames()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

func (f *fakeTransport) open()               { f.events.OnOpen() }
func (f *fakeTransport) drop(code CloseCode) { f.events.OnClose(code, "dropped") }

func (f *fakeTransport) receive(t *testing.T, raw string) {
	t.Helper()
	f.events.OnMessage(DecodeFrame([]byte(raw)))
}

// fakeDialer hands out fakeTransports and remembers them in order.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	created    chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{created: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) NewTransport(url string, events TransportEvents) Transport {
	t := &fakeTransport{url: url, events: events}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	select {
	case d.created <- t:
	default:
	}
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last(t *testing.T) *fakeTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		t.Fatal("no transport dialed")
	}
	return d.transports[len(d.transports)-1]
}

type sessionHarness struct {
	session *Session
	dialer  *fakeDialer
	clock   *clock.Fake
}

func newHarness(t *testing.T, mutate func(*SessionConfig)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{dialer: newFakeDialer(), clock: clock.NewFake(testEpoch)}
	cfg := SessionConfig{
		SessionID: "sess-1",
		URL:       "ws://agent.test/acp?token=abc",
		Dialer:    h.dialer,
		Clock:     h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	h.session = s
	return h
}

// ready drives the session through the handshake with no agent bound.
func (h *sessionHarness) ready(t *testing.T) *fakeTransport {
	t.Helper()
	if err := h.session.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr := h.dialer.last(t)
	tr.open()
	tr.receive(t, `{"type":"session_state","status":"idle"}`)
	h.expectState(t, StateReady)
	return tr
}

func (h *sessionHarness) expectState(t *testing.T, want State) {
	t.Helper()
	if got := h.session.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}
