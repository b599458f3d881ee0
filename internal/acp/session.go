package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-acp/internal/clock"
)

var (
	// ErrInvalidState is returned when a command is not valid in the current state.
	ErrInvalidState = errors.New("acp: command not valid in current session state")
	// ErrSessionClosed is returned for commands issued after Close.
	ErrSessionClosed = errors.New("acp: session closed")
)

// State is a session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StatePrompting    State = "prompting"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Session defaults.
const (
	DefaultMaxRetries = 5
	resolveTimeout    = 10 * time.Second
)

// URLResolver returns the endpoint for the next connect attempt. It may mint
// a fresh token each time.
type URLResolver func(ctx context.Context) (string, error)

// StaticURL resolves to the same endpoint every time.
func StaticURL(url string) URLResolver {
	return func(context.Context) (string, error) { return url, nil }
}

// SessionConfig configures a Session. Dialer is required.
type SessionConfig struct {
	SessionID string
	AgentType string

	// URL is used when Resolver is nil. A URL-only session connects
	// synchronously on the caller's goroutine.
	URL      string
	Resolver URLResolver

	Dialer  Dialer
	Clock   clock.Clock
	Backoff Backoff
	// MaxRetries bounds consecutive reconnects. Zero uses DefaultMaxRetries;
	// a negative value disables automatic reconnects.
	MaxRetries int

	// HeartbeatInterval of zero disables keepalive pings.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Store  *MessageStore
	Logger *slog.Logger
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	SessionID   string     `json:"sessionId"`
	AgentType   string     `json:"agentType,omitempty"`
	State       State      `json:"state"`
	RetryCount  int        `json:"retryCount"`
	LastError   *ErrorMeta `json:"lastError,omitempty"`
	PromptError *ErrorMeta `json:"promptError,omitempty"`
}

// Session drives one agent conversation across transport reconnects and
// agent switches. All transitions are serialised by mu; listeners and
// transport calls that may call back into the session run after it is
// released.
type Session struct {
	id         string
	resolver   URLResolver
	url        string
	dialer     Dialer
	clock      clock.Clock
	backoff    Backoff
	maxRetries int
	hbInterval time.Duration
	hbTimeout  time.Duration
	store      *MessageStore
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	agentType   string
	retryCount  int
	lastError   *ErrorMeta
	promptError *ErrorMeta
	closed      bool

	transport  Transport
	generation uint64
	selecting  bool

	timer    clock.Timer
	timerSeq uint64

	pingTimer clock.Timer
	pongTimer clock.Timer
	pongSeq   uint64

	nextRPCID int64
	promptID  int64

	stateListeners   []func(Snapshot)
	messageListeners []func(Message)

	outbox     []func()
	delivering bool
}

// NewSession returns a disconnected session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("acp: session requires a dialer")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Store == nil {
		cfg.Store = NewMessageStore(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         cfg.SessionID,
		resolver:   cfg.Resolver,
		url:        cfg.URL,
		dialer:     cfg.Dialer,
		clock:      cfg.Clock,
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		hbInterval: cfg.HeartbeatInterval,
		hbTimeout:  cfg.HeartbeatTimeout,
		store:      cfg.Store,
		logger:     cfg.Logger.With("session_id", cfg.SessionID),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		agentType:  cfg.AgentType,
	}, nil
}

// ID returns the caller-assigned session id.
func (s *Session) ID() string { return s.id }

// Messages returns the session's message store.
func (s *Session) Messages() *MessageStore { return s.store }

// OnStateChange registers fn to receive a snapshot after every transition.
func (s *Session) OnStateChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateListeners = append(s.stateListeners, fn)
}

// OnMessage registers fn to receive every stored message.
func (s *Session) OnMessage(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageListeners = append(s.messageListeners, fn)
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		AgentType:  s.agentType,
		State:      s.state,
		RetryCount: s.retryCount,
	}
	if s.lastError != nil {
		e := *s.lastError
		snap.LastError = &e
	}
	if s.promptError != nil {
		e := *s.promptError
		snap.PromptError = &e
	}
	return snap
}

// Connect opens a transport from disconnected or error.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateDisconnected && s.state != StateError {
		return ErrInvalidState
	}
	s.retryCount = 0
	s.connectLocked()
	return nil
}

// Retry reconnects immediately from any state, cancelling a pending
// reconnect and resetting the retry budget.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return ErrSessionClosed
	}
	s.retryCount = 0
	s.connectLocked()
	return nil
}

// SwitchAgent binds agentType to the session over the live connection. While
// disconnected it only records the type for the next connect.
func (s *Session) SwitchAgent(agentType string) error {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return ErrSessionClosed
	}
	if agentType == "" {
		return fmt.Errorf("%w: empty agent type", ErrInvalidState)
	}

	switch s.state {
	case StateConnecting, StateReconnecting, StateInitializing, StatePrompting:
		return ErrInvalidState
	case StateDisconnected:
		if agentType != s.agentType {
			s.agentType = agentType
			s.notifyStateLocked()
		}
		return nil
	case StateError:
		if s.transport == nil {
			return ErrInvalidState
		}
	case StateReady:
		if agentType == s.agentType {
			return nil
		}
	}

	if err := s.transport.Send(EncodeSelectAgent(agentType)); err != nil {
		return fmt.Errorf("select agent: %w", err)
	}
	s.logger.Info("switching agent", "from", s.agentType, "to", agentType)
	s.agentType = agentType
	s.selecting = true
	s.setStateLocked(StateInitializing)
	return nil
}

// SendPrompt sends a text prompt. Valid only in ready.
func (s *Session) SendPrompt(text string) error {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateReady {
		return ErrInvalidState
	}

	s.nextRPCID++
	id := s.nextRPCID
	if err := s.transport.Send(EncodePrompt(id, text)); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	s.promptID = id
	s.promptError = nil
	s.store.AddUserPrompt(text)
	s.setStateLocked(StatePrompting)
	return nil
}

// CancelPrompt cancels the in-flight prompt. Valid only in prompting.
func (s *Session) CancelPrompt() error {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StatePrompting {
		return ErrInvalidState
	}
	if err := s.transport.Send(EncodeCancel()); err != nil {
		return fmt.Errorf("cancel prompt: %w", err)
	}
	s.promptID = 0
	s.setStateLocked(StateReady)
	return nil
}

// Disconnect closes the live transport and cancels any pending reconnect.
// It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed || s.state == StateDisconnected {
		return
	}
	s.teardownLocked("client disconnect")
	s.retryCount = 0
	s.lastError = nil
	s.setStateLocked(StateDisconnected)
}

// Close tears the session down for good. Later commands return
// ErrSessionClosed and transport events are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed {
		return
	}
	s.teardownLocked("session closed")
	s.retryCount = 0
	s.setStateLocked(StateDisconnected)
	s.closed = true
	s.cancel()
}

// connectLocked supersedes any live transport and starts a new attempt.
func (s *Session) connectLocked() {
	s.teardownLocked("reconnecting")
	gen := s.generation
	s.setStateLocked(StateConnecting)

	if s.resolver == nil {
		s.dialLocked(gen, s.url)
		return
	}
	go s.resolve(gen)
}

func (s *Session) resolve(gen uint64) {
	ctx, cancel := context.WithTimeout(s.ctx, resolveTimeout)
	defer cancel()
	url, err := s.resolver(ctx)

	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed || gen != s.generation || s.state != StateConnecting {
		return
	}
	if err != nil {
		s.logger.Warn("resolve endpoint failed", "generation", gen, "error", err)
		s.failLocked(CodeURLUnavailable)
		return
	}
	s.dialLocked(gen, url)
}

func (s *Session) dialLocked(gen uint64, url string) {
	if url == "" {
		s.failLocked(CodeURLUnavailable)
		return
	}
	t := s.dialer.NewTransport(url, &sessionEvents{s: s, gen: gen})
	s.transport = t
	s.logger.Debug("opening transport", "generation", gen)
	s.enqueue(t.Open)
}

// teardownLocked cancels timers, detaches the live transport, and bumps the
// generation so its late events are dropped.
func (s *Session) teardownLocked(reason string) {
	s.cancelTimerLocked()
	s.stopHeartbeatLocked()
	s.selecting = false
	s.promptID = 0
	s.generation++
	if t := s.transport; t != nil {
		s.transport = nil
		s.enqueue(func() { t.Close(reason) })
	}
}

func (s *Session) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

// failLocked classifies a lost or failed connection and decides between
// reconnecting and error.
func (s *Session) failLocked(code ErrorCode) {
	meta := LookupError(code)
	s.lastError = &meta
	s.retryCount++
	s.promptID = 0

	switch {
	case meta.Severity == SeverityFatal:
		s.logger.Warn("session failed", "code", code, "severity", meta.Severity, "retry_count", s.retryCount)
		s.setStateLocked(StateError)
	case s.retryCount > s.maxRetries:
		timeout := LookupError(CodeReconnectTimeout)
		s.lastError = &timeout
		s.logger.Warn("reconnect attempts exhausted", "code", code, "retry_count", s.retryCount)
		s.setStateLocked(StateError)
	default:
		delay := s.backoff.Delay(s.retryCount - 1)
		s.logger.Warn("connection lost, scheduling reconnect",
			"code", code, "retry_count", s.retryCount, "delay", delay)
		s.setStateLocked(StateReconnecting)
		s.scheduleReconnectLocked(delay)
	}
}

func (s *Session) scheduleReconnectLocked(delay time.Duration) {
	s.cancelTimerLocked()
	seq := s.timerSeq
	s.timer = s.clock.AfterFunc(delay, func() { s.reconnectDue(seq) })
}

func (s *Session) reconnectDue(seq uint64) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if s.closed || seq != s.timerSeq || s.state != StateReconnecting {
		return
	}
	s.timer = nil
	s.connectLocked()
}

// current reports whether an event from gen should be applied.
func (s *Session) currentLocked(gen uint64) bool {
	return !s.closed && gen == s.generation && s.transport != nil
}

func (s *Session) handleOpen(gen uint64) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) || s.state != StateConnecting {
		s.logger.Debug("dropping stale open", "generation", gen)
		return
	}

	s.setStateLocked(StateInitializing)
	s.startHeartbeatLocked(gen)
	if s.agentType == "" {
		return
	}
	if err := s.transport.Send(EncodeSelectAgent(s.agentType)); err != nil {
		s.logger.Warn("select agent send failed", "agent_type", s.agentType, "error", err)
		return
	}
	s.selecting = true
}

func (s *Session) handleClose(gen uint64, code CloseCode, reason string) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) {
		s.logger.Debug("dropping stale close", "generation", gen, "code", int(code))
		return
	}

	neverOpened := s.state == StateConnecting
	s.transport = nil
	s.stopHeartbeatLocked()
	s.selecting = false

	if code == CloseNormal {
		s.logger.Info("transport closed normally", "reason", reason)
		s.retryCount = 0
		s.setStateLocked(StateDisconnected)
		return
	}

	errCode := ErrorCodeFromCloseCode(code)
	if neverOpened && (code == CloseAbnormal || code == NoCloseCode) {
		errCode = CodeConnectionFailed
	}
	s.logger.Debug("transport closed", "code", int(code), "reason", reason, "error_code", errCode)
	s.failLocked(errCode)
}

func (s *Session) handleError(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) {
		return
	}
	s.logger.Warn("transport error", "generation", gen, "error", err)
}

func (s *Session) handleFrame(gen uint64, frame *Frame) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) {
		return
	}
	s.markAliveLocked()

	if frame == nil {
		s.logger.Debug("dropping malformed frame", "generation", gen)
		return
	}

	msg, ok := s.store.Append(frame)
	if ok && len(s.messageListeners) > 0 {
		listeners := s.messageListeners
		s.enqueue(func() {
			for _, fn := range listeners {
				fn(msg)
			}
		})
	}

	switch frame.Type {
	case FrameSessionState:
		st, _ := frame.Status()
		s.applySessionStateLocked(st)
	case FrameAgentStatus:
		st, _ := frame.Status()
		s.applyAgentStatusLocked(st)
	case FrameSessionPrompting:
		if s.state == StateReady {
			s.setStateLocked(StatePrompting)
		}
	case FramePromptDone:
		if s.state == StatePrompting {
			s.promptID = 0
			s.setStateLocked(StateReady)
		}
	case FrameError:
		s.agentFailedLocked(frame.ErrorMessage())
	case FrameJSONRPC:
		if env, ok := frame.RPC(); ok && env.IsResponse() {
			s.applyResponseLocked(env)
		}
	}
}

func (s *Session) applySessionStateLocked(st StatusPayload) {
	if s.agentType == "" && st.AgentType != "" {
		s.agentType = st.AgentType
	}
	if st.Status == StatusError {
		s.agentFailedLocked(st.Error)
		return
	}
	if s.state != StateInitializing || s.selecting {
		return
	}
	switch st.Status {
	case StatusReady, StatusIdle:
		s.enterReadyLocked()
	case StatusPrompting:
		s.enterReadyLocked()
		s.setStateLocked(StatePrompting)
	}
}

func (s *Session) applyAgentStatusLocked(st StatusPayload) {
	switch st.Status {
	case StatusError:
		s.agentFailedLocked(st.Error)
	case StatusReady:
		if s.state != StateInitializing {
			return
		}
		if s.selecting && st.AgentType != "" && st.AgentType != s.agentType {
			s.logger.Debug("ignoring ready for superseded agent", "agent_type", st.AgentType)
			return
		}
		s.enterReadyLocked()
	}
}

func (s *Session) enterReadyLocked() {
	s.selecting = false
	s.retryCount = 0
	s.lastError = nil
	s.setStateLocked(StateReady)
}

// agentFailedLocked moves to error while keeping the connection up, so the
// user can switch agents without reconnecting.
func (s *Session) agentFailedLocked(message string) {
	code := ErrorCodeFromMessage(message)
	meta := LookupError(code)
	s.lastError = &meta
	s.selecting = false
	s.promptID = 0
	s.logger.Warn("agent reported error", "code", code, "agent_type", s.agentType)
	s.setStateLocked(StateError)
}

func (s *Session) applyResponseLocked(env *RPCEnvelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil || id == 0 || id != s.promptID {
		return
	}
	s.promptID = 0
	if env.Error != nil {
		meta := LookupError(ErrorCodeFromMessage(env.Error.Message))
		s.promptError = &meta
		s.logger.Warn("prompt failed", "code", meta.Code, "rpc_code", env.Error.Code)
	}
	if s.state == StatePrompting {
		s.setStateLocked(StateReady)
	} else if env.Error != nil {
		s.notifyStateLocked()
	}
}

func (s *Session) startHeartbeatLocked(gen uint64) {
	if s.hbInterval <= 0 {
		return
	}
	s.pingTimer = s.clock.AfterFunc(s.hbInterval, func() { s.heartbeatDue(gen) })
}

func (s *Session) stopHeartbeatLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	s.markAliveLocked()
}

func (s *Session) markAliveLocked() {
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.pongSeq++
}

func (s *Session) heartbeatDue(gen uint64) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) {
		return
	}
	if err := s.transport.Send(EncodePing()); err != nil {
		s.logger.Debug("ping send failed", "error", err)
	}
	if s.pongTimer == nil {
		seq := s.pongSeq
		s.pongTimer = s.clock.AfterFunc(s.hbTimeout, func() { s.heartbeatExpired(gen, seq) })
	}
	s.pingTimer = s.clock.AfterFunc(s.hbInterval, func() { s.heartbeatDue(gen) })
}

func (s *Session) heartbeatExpired(gen, seq uint64) {
	s.mu.Lock()
	defer s.unlockAndDeliver()
	if !s.currentLocked(gen) || seq != s.pongSeq || s.pongTimer == nil {
		return
	}
	s.pongTimer = nil
	s.logger.Warn("heartbeat timed out", "generation", gen, "timeout", s.hbTimeout)
	s.teardownLocked("heartbeat timeout")
	s.failLocked(ErrorCodeFromCloseCode(CloseHeartbeatTimeout))
}

func (s *Session) setStateLocked(next State) {
	if s.state != next {
		s.logger.Info("session state changed", "from", s.state, "to", next,
			"agent_type", s.agentType, "retry_count", s.retryCount)
		s.state = next
	}
	s.notifyStateLocked()
}

func (s *Session) notifyStateLocked() {
	if s.closed || len(s.stateListeners) == 0 {
		return
	}
	snap := s.snapshotLocked()
	listeners := s.stateListeners
	s.enqueue(func() {
		for _, fn := range listeners {
			fn(snap)
		}
	})
}

// enqueue queues fn to run after mu is released, in order.
func (s *Session) enqueue(fn func()) {
	s.outbox = append(s.outbox, fn)
}

// unlockAndDeliver releases mu and drains the outbox. Only one goroutine
// drains at a time; re-entrant calls from listeners or transports enqueue
// and return.
func (s *Session) unlockAndDeliver() {
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.outbox) > 0 {
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// sessionEvents tags transport callbacks with the generation they belong to.
type sessionEvents struct {
	s   *Session
	gen uint64
}

func (e *sessionEvents) OnOpen()                               { e.s.handleOpen(e.gen) }
func (e *sessionEvents) OnMessage(frame *Frame)                { e.s.handleFrame(e.gen, frame) }
func (e *sessionEvents) OnClose(code CloseCode, reason string) { e.s.handleClose(e.gen, code, reason) }
func (e *sessionEvents) OnError(err error)                     { e.s.handleError(e.gen, err) }
