package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrNotConnected is returned by Send before the transport opens or after it closes.
	ErrNotConnected = errors.New("acp: transport not connected")
	// ErrSendQueueFull is returned by Send when the write pump is backed up.
	ErrSendQueueFull = errors.New("acp: send queue full")
)

// Default transport tuning.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultSendBuffer  = 64
	DefaultReadLimit   = 4 << 20
	writeTimeout       = 10 * time.Second
)

// TransportEvents receives the lifecycle of one transport. OnClose is
// delivered exactly once, and frames arriving after it are dropped.
type TransportEvents interface {
	OnOpen()
	// OnMessage delivers a decoded frame, or nil for a malformed one.
	OnMessage(frame *Frame)
	OnClose(code CloseCode, reason string)
	OnError(err error)
}

// Transport is a single, non-reconnecting connection to an agent host.
type Transport interface {
	// Open starts connecting in the background.
	Open()
	// Send queues an outgoing text frame. It never blocks.
	Send(data []byte) error
	// Close tears the connection down and reports OnClose(CloseNormal, reason)
	// unless a close was already reported.
	Close(reason string)
}

// Dialer builds transports bound to an event sink.
type Dialer interface {
	NewTransport(url string, events TransportEvents) Transport
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(url string, events TransportEvents) Transport

// NewTransport calls f.
func (f DialerFunc) NewTransport(url string, events TransportEvents) Transport {
	return f(url, events)
}

// WebSocketDialer opens transports with github.com/coder/websocket.
type WebSocketDialer struct {
	DialTimeout time.Duration
	SendBuffer  int
	ReadLimit   int64
	Header      http.Header
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewTransport returns an unopened WebSocket transport for url.
func (d *WebSocketDialer) NewTransport(rawURL string, events TransportEvents) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		url:    rawURL,
		events: events,
		dialer: d,
		ctx:    ctx,
		cancel: cancel,
		logger: d.logger(),
	}
	t.sendq = make(chan []byte, d.sendBuffer())
	return t
}

func (d *WebSocketDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *WebSocketDialer) sendBuffer() int {
	if d.SendBuffer > 0 {
		return d.SendBuffer
	}
	return DefaultSendBuffer
}

func (d *WebSocketDialer) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return DefaultDialTimeout
}

func (d *WebSocketDialer) readLimit() int64 {
	if d.ReadLimit > 0 {
		return d.ReadLimit
	}
	return DefaultReadLimit
}

type wsTransport struct {
	url    string
	events TransportEvents
	dialer *WebSocketDialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	opened atomic.Bool
	closed atomic.Bool
	once   sync.Once

	sendq chan []byte
}

func (t *wsTransport) Open() {
	go t.run()
}

func (t *wsTransport) Send(data []byte) error {
	if t.closed.Load() || !t.opened.Load() {
		return ErrNotConnected
	}
	select {
	case t.sendq <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (t *wsTransport) Close(reason string) {
	t.emitClose(CloseNormal, reason)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.cancel()
		return
	}
	// The close handshake can wait on the peer; don't hold the caller.
	go func() {
		defer t.cancel()
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			t.logger.Debug("WebSocket close handshake failed", "url", redactURL(t.url), "error", err)
		}
	}()
}

func (t *wsTransport) run() {
	dialCtx, cancel := context.WithTimeout(t.ctx, t.dialer.dialTimeout())
	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		HTTPHeader: t.dialer.Header,
		HTTPClient: t.dialer.HTTPClient,
	})
	cancel()
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Debug("WebSocket dial failed", "url", redactURL(t.url), "error", err)
		t.fail(CloseAbnormal, fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(t.dialer.readLimit())

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed during dial")
		return
	}
	t.conn = conn
	t.mu.Unlock()

	if t.closed.Load() {
		return
	}
	t.opened.Store(true)
	t.events.OnOpen()

	go t.writePump(conn)
	t.readPump(conn)
}

func (t *wsTransport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil || t.closed.Load() {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				t.emitClose(CloseCode(ce.Code), ce.Reason)
			} else {
				t.fail(CloseAbnormal, err)
			}
			t.cancel()
			return
		}
		if t.closed.Load() {
			return
		}
		t.events.OnMessage(DecodeFrame(data))
	}
}

func (t *wsTransport) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-t.sendq:
			ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.fail(CloseAbnormal, fmt.Errorf("write: %w", err))
				t.cancel()
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// fail reports err and then the close, unless the transport already closed.
func (t *wsTransport) fail(code CloseCode, err error) {
	if t.closed.Load() {
		return
	}
	t.events.OnError(err)
	t.emitClose(code, err.Error())
}

func (t *wsTransport) emitClose(code CloseCode, reason string) {
	t.once.Do(func() {
		t.closed.Store(true)
		t.events.OnClose(code, reason)
	})
}

// redactURL drops the query string, which may carry a token.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
