package gateway

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// SSE event names.
const (
	EventState   = "state"
	EventMessage = "message"
	eventPing    = "ping"
)

const (
	defaultReplaySize   = 256
	subscriberBuffer    = 64
	defaultRetryDelay   = 3 * time.Second
	defaultKeepalive    = 15 * time.Second
	lastEventIDQueryKey = "lastEventId"
)

// Event is one server-sent event with a per-session monotonic id.
type Event struct {
	ID   int64
	Name string
	Data []byte
}

// Hub fans out a session's events to SSE subscribers and keeps a bounded
// replay queue so reconnecting clients can resume from Last-Event-ID.
type Hub struct {
	mu      sync.Mutex
	nextID  int64
	replay  *list.List
	maxSize int
	subs    map[int64]chan Event
	nextSub int64
	closed  bool
}

// NewHub returns a hub keeping the last replaySize events.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Hub{
		replay:  list.New(),
		maxSize: replaySize,
		subs:    make(map[int64]chan Event),
	}
}

// Publish marshals v and delivers it to every subscriber. A subscriber whose
// buffer is full is dropped; its client reconnects and resumes from the
// replay queue.
func (h *Hub) Publish(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal SSE event", "event", name, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.nextID++
	ev := Event{ID: h.nextID, Name: name, Data: data}
	h.replay.PushBack(ev)
	for h.replay.Len() > h.maxSize {
		h.replay.Remove(h.replay.Front())
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("SSE subscriber too slow, dropping", "subscriber_id", id)
			close(ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers a subscriber. missed holds the queued events after
// afterID; ch receives everything published later. ch is closed when the hub
// closes or the subscriber falls behind. cancel must be called when done.
func (h *Hub) Subscribe(afterID int64) (missed []Event, ch <-chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for e := h.replay.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}

	c := make(chan Event, subscriberBuffer)
	if h.closed {
		close(c)
		return missed, c, func() {}
	}
	h.nextSub++
	id := h.nextSub
	h.subs[id] = c
	return missed, c, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
}

// LastID returns the id of the most recent event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextID
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// StreamOptions configures ServeSSE.
type StreamOptions struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	// Initial, when set, is written first as an unnumbered state event.
	Initial any
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get(lastEventIDQueryKey)
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// ServeSSE streams hub events to w until the client goes away or the hub
// closes.
func ServeSSE(w http.ResponseWriter, r *http.Request, hub *Hub, opts StreamOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}

	after := lastEventID(r)
	if last := hub.LastID(); after > last {
		// The id came from an earlier hosting of the session.
		slog.Debug("SSE resume point unknown, starting fresh", "last_event_id", after, "hub_last_id", last)
		after = 0
	}
	missed, events, cancel := hub.Subscribe(after)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", opts.RetryDelay.Milliseconds()); err != nil {
		return
	}
	if opts.Initial != nil && after == 0 {
		data, err := json.Marshal(opts.Initial)
		if err == nil {
			if err := writeSSE(w, EventState, data); err != nil {
				return
			}
		}
	}
	for _, ev := range missed {
		if err := writeSSEWithID(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	if after > 0 {
		slog.Debug("SSE client resumed", "last_event_id", after, "replayed", len(missed))
	}

	keepalive := time.NewTicker(opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEWithID(w, ev); err != nil {
				slog.Debug("SSE write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, eventPing, []byte(`{"status":"alive"}`)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
	return err
}
