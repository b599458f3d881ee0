// Package gateway exposes ACP sessions over HTTP and server-sent events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-acp/internal/acp"
	"github.com/ashureev/shsh-acp/internal/clock"
	"github.com/ashureev/shsh-acp/internal/config"
	"github.com/ashureev/shsh-acp/internal/domain"
	"github.com/ashureev/shsh-acp/internal/store"
)

var (
	// ErrNotFound is returned for unknown sessions and sessions owned by
	// another viewer.
	ErrNotFound = errors.New("gateway: session not found")
	// ErrGone is returned for sessions that were torn down but are still on
	// record. Creating the session again re-attaches it.
	ErrGone = errors.New("gateway: session no longer active")
	// ErrConflict is returned when a session id is taken by another viewer.
	ErrConflict = errors.New("gateway: session id in use")
	// ErrNoEndpoint is returned when neither the request nor the
	// configuration names an agent host.
	ErrNoEndpoint = errors.New("gateway: no agent host url")
	// ErrRegistryClosed is returned after CloseAll.
	ErrRegistryClosed = errors.New("gateway: registry closed")
)

const persistTimeout = 5 * time.Second

// RegistryConfig configures a Registry. Repo and Dialer are required.
type RegistryConfig struct {
	ACP        config.ACPConfig
	ReplaySize int
	Repo       store.Repository
	Dialer     acp.Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
	// NewID generates ids for sessions created without one.
	NewID func() string
}

// CreateRequest describes a session to create or re-attach.
type CreateRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Entry is a live session hosted by the registry.
type Entry struct {
	session   *acp.Session
	hub       *Hub
	owner     string
	url       string
	createdAt time.Time
	// removed stops persistence once the record has been deleted.
	removed atomic.Bool

	mu          sync.Mutex
	state       acp.State
	idleSince   time.Time
	lastPersist time.Time
}

// Session returns the hosted session.
func (e *Entry) Session() *acp.Session { return e.session }

// Hub returns the session's event hub.
func (e *Entry) Hub() *Hub { return e.hub }

// Owner returns the viewer that created the session.
func (e *Entry) Owner() string { return e.owner }

// CreatedAt returns when the entry was created.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// IdleSince returns when the session last entered disconnected or error,
// or the zero time while it is active.
func (e *Entry) IdleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSince
}

// Registry hosts sessions keyed by id.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Entry
	closed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Repo == nil {
		return nil, errors.New("gateway: registry requires a repository")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("gateway: registry requires a dialer")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		return nil, errors.New("gateway: registry requires an id generator")
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*Entry),
	}, nil
}

// Create starts hosting a session for owner. An id already hosted for owner,
// or persisted for owner, is re-attached and created is false.
func (r *Registry) Create(ctx context.Context, owner string, req CreateRequest) (entry *Entry, created bool, err error) {
	id := req.SessionID
	if id == "" {
		id = r.cfg.NewID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}

	if e, ok := r.sessions[id]; ok {
		if e.owner != owner {
			return nil, false, ErrConflict
		}
		return e, false, nil
	}

	agentType := req.AgentType
	endpoint := req.URL
	reattach := false
	var lastSeq int64
	rec, err := r.cfg.Repo.GetSession(ctx, id)
	switch {
	case err == nil:
		if rec.Owner != owner {
			return nil, false, ErrConflict
		}
		reattach = true
		if lastSeq, err = r.cfg.Repo.MaxMessageSeq(ctx, id); err != nil {
			return nil, false, fmt.Errorf("load message history: %w", err)
		}
		if agentType == "" {
			agentType = rec.AgentType
		}
		if endpoint == "" {
			endpoint = rec.URL
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("load session: %w", err)
	}

	if agentType == "" {
		agentType = r.cfg.ACP.DefaultAgent
	}
	if endpoint == "" {
		endpoint = r.cfg.ACP.HostURL
	}
	if endpoint == "" {
		return nil, false, ErrNoEndpoint
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, false, err
	}

	e, err := r.newEntry(id, owner, agentType, endpoint, lastSeq)
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = e
	r.persist(e, e.session.Snapshot())

	r.logger.Info("session created",
		"session_id", id,
		"owner", owner,
		"agent_type", agentType,
		"reattached", reattach,
		"last_seq", lastSeq,
	)
	return e, !reattach, nil
}

// newEntry builds a hosted session. Message seqs continue after lastSeq so a
// re-attached session appends to its persisted history.
func (r *Registry) newEntry(id, owner, agentType, endpoint string, lastSeq int64) (*Entry, error) {
	now := r.cfg.Clock.Now()
	msgs := acp.NewMessageStoreAfter(r.cfg.Clock, lastSeq)
	session, err := acp.NewSession(acp.SessionConfig{
		SessionID:         id,
		AgentType:         agentType,
		Resolver:          r.resolver(endpoint),
		Dialer:            r.cfg.Dialer,
		Clock:             r.cfg.Clock,
		Backoff:           acp.Backoff{Base: r.cfg.ACP.ReconnectBaseDelay, Max: r.cfg.ACP.ReconnectMaxDelay},
		MaxRetries:        maxRetries(r.cfg.ACP.MaxReconnectAttempts),
		HeartbeatInterval: r.cfg.ACP.HeartbeatInterval,
		HeartbeatTimeout:  r.cfg.ACP.HeartbeatTimeout,
		Store:             msgs,
		Logger:            r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e := &Entry{
		session:   session,
		hub:       NewHub(r.cfg.ReplaySize),
		owner:     owner,
		url:       endpoint,
		createdAt: now,
		state:     acp.StateDisconnected,
		idleSince: now,
	}
	session.OnStateChange(func(snap acp.Snapshot) {
		e.observe(snap.State, r.cfg.Clock.Now())
		e.hub.Publish(EventState, snap)
		r.persist(e, snap)
	})
	session.OnMessage(func(msg acp.Message) {
		e.hub.Publish(EventMessage, msg)
		if !e.removed.Load() {
			r.persistMessage(id, msg)
		}
	})
	return e, nil
}

func (e *Entry) observe(state acp.State, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idle := state == acp.StateDisconnected || state == acp.StateError
	wasIdle := e.state == acp.StateDisconnected || e.state == acp.StateError
	switch {
	case idle && !wasIdle:
		e.idleSince = now
	case !idle:
		e.idleSince = time.Time{}
	}
	e.state = state
}

// maxRetries maps the configured attempt budget onto SessionConfig, where
// zero means the library default and negative disables reconnects.
func maxRetries(attempts int) int {
	if attempts <= 0 {
		return -1
	}
	return attempts
}

// resolver appends the configured token to endpoint unless the endpoint
// already carries one.
func (r *Registry) resolver(endpoint string) acp.URLResolver {
	token := r.cfg.ACP.Token
	return func(context.Context) (string, error) {
		return withToken(endpoint, token)
	}
}

func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse agent host url: %w", err)
	}
	if token == "" {
		return u.String(), nil
	}
	q := u.Query()
	if q.Get("token") == "" {
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: agent host url must use ws or wss", ErrInvalidRequest)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: agent host url has no host", ErrInvalidRequest)
	}
	return nil
}

func (r *Registry) persist(e *Entry, snap acp.Snapshot) {
	if e.removed.Load() {
		return
	}
	now := r.cfg.Clock.Now()
	rec := &domain.Session{
		ID:         snap.SessionID,
		Owner:      e.owner,
		AgentType:  snap.AgentType,
		State:      string(snap.State),
		RetryCount: snap.RetryCount,
		URL:        e.url,
		CreatedAt:  e.createdAt,
		UpdatedAt:  now,
	}
	if snap.LastError != nil {
		rec.LastErrorCode = string(snap.LastError.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.cfg.Repo.UpsertSession(ctx, rec); err != nil {
		r.logger.Warn("failed to persist session", "session_id", snap.SessionID, "error", err)
		return
	}
	e.mu.Lock()
	e.lastPersist = now
	e.mu.Unlock()
}

func (r *Registry) persistMessage(sessionID string, msg acp.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := r.cfg.Repo.AppendMessage(ctx, &domain.StoredMessage{
		SessionID:  sessionID,
		Seq:        msg.Seq,
		Type:       msg.Type,
		Method:     msg.Method,
		Raw:        msg.Raw,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		r.logger.Warn("failed to persist message", "session_id", sessionID, "seq", msg.Seq, "error", err)
	}
}

// Get returns the live session id owned by owner. A session on record but no
// longer hosted yields ErrGone.
func (r *Registry) Get(ctx context.Context, owner, id string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		if e.owner != owner {
			return nil, ErrNotFound
		}
		return e, nil
	}

	rec, err := r.cfg.Repo.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec.Owner != owner {
		return nil, ErrNotFound
	}
	return nil, ErrGone
}

// List returns owner's sessions: live snapshots first, then records that are
// no longer hosted.
func (r *Registry) List(ctx context.Context, owner string) ([]SessionView, error) {
	r.mu.RLock()
	var live []*Entry
	for _, e := range r.sessions {
		if e.owner == owner {
			live = append(live, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].createdAt.After(live[j].createdAt) })
	views := make([]SessionView, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, e := range live {
		views = append(views, liveView(e))
		seen[e.session.ID()] = true
	}

	recs, err := r.cfg.Repo.ListSessions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, rec := range recs {
		if seen[rec.ID] {
			continue
		}
		views = append(views, recordView(rec))
	}
	return views, nil
}

// Remove closes the session and deletes its record.
func (r *Registry) Remove(ctx context.Context, owner, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok && e.owner != owner {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		e.removed.Store(true)
		e.session.Close()
		e.hub.Close()
	} else {
		rec, err := r.cfg.Repo.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if rec.Owner != owner {
			return ErrNotFound
		}
	}

	if err := r.cfg.Repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	r.logger.Info("session removed", "session_id", id, "owner", owner)
	return nil
}

// evictIdle stops hosting id, keeping its record, if it is still idle since
// before cutoff. The idle check runs under the registry lock.
func (r *Registry) evictIdle(id string, cutoff time.Time) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || !idleBefore(e, cutoff) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	e.session.Close()
	e.hub.Close()
	return true
}

func idleBefore(e *Entry, cutoff time.Time) bool {
	switch e.session.State() {
	case acp.StateDisconnected, acp.StateError:
	default:
		return false
	}
	since := e.IdleSince()
	return !since.IsZero() && since.Before(cutoff)
}

// idleEntries returns the ids of sessions idle since before cutoff.
func (r *Registry) idleEntries(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.sessions {
		if idleBefore(e, cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of hosted sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears every session down. Records are kept so clients can
// re-attach after a restart.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*Entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		entries = append(entries, e)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Close()
		e.hub.Close()
	}
	r.logger.Info("registry closed", "sessions", len(entries))
}

// SessionView is the API representation of a session.
type SessionView struct {
	acp.Snapshot
	Live      bool      `json:"live"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func liveView(e *Entry) SessionView {
	e.mu.Lock()
	updated := e.lastPersist
	e.mu.Unlock()
	return SessionView{
		Snapshot:  e.session.Snapshot(),
		Live:      true,
		CreatedAt: e.createdAt,
		UpdatedAt: updated,
	}
}

func recordView(rec *domain.Session) SessionView {
	v := SessionView{
		Snapshot: acp.Snapshot{
			SessionID:  rec.ID,
			AgentType:  rec.AgentType,
			State:      acp.State(rec.State),
			RetryCount: rec.RetryCount,
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.LastErrorCode != "" {
		meta := acp.LookupError(acp.ErrorCode(rec.LastErrorCode))
		v.LastError = &meta
	}
	return v
}
