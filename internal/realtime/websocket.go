package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
	writeWait           = 10 * time.Second
)

// WebSocket is a Subscription over a websocket connection. It reconnects
// with capped exponential backoff until closed.
type WebSocket struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// WebSocketOption configures a WebSocket subscription.
type WebSocketOption func(*WebSocket)

// WithHeader sets headers sent with every handshake.
func WithHeader(h http.Header) WebSocketOption {
	return func(w *WebSocket) { w.header = h }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		w.minBackoff = min
		w.maxBackoff = max
	}
}

// WithPingInterval sets how often keepalive pings are sent. The connection
// is considered lost after two intervals without any inbound traffic.
func WithPingInterval(d time.Duration) WebSocketOption {
	return func(w *WebSocket) { w.pingInterval = d }
}

// NewWebSocket creates a subscription to url.
func NewWebSocket(url string, log *zap.Logger, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		pingInterval: defaultPingInterval,
		minBackoff:   defaultMinBackoff,
		maxBackoff:   defaultMaxBackoff,
		log:          log,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	return w
}

func (w *WebSocket) Start(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(out)
		return out
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx, out)
	return out
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

func (w *WebSocket) run(ctx context.Context, out chan<- Event) {
	defer close(out)

	for {
		conn, err := w.dial(ctx, out)
		if err != nil {
			return
		}
		w.log.Info("Realtime channel connected", zap.String("url", w.url))
		if !emit(ctx, out, Event{Kind: KindConnect}) {
			conn.Close()
			return
		}

		err = w.readLoop(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("Realtime channel disconnected", zap.String("url", w.url), zap.Error(err))
		if !emit(ctx, out, Event{Kind: KindDisconnect, Err: err}) {
			return
		}
	}
}

// dial connects, retrying until success or ctx is done. Every failed
// attempt is reported as KindConnectError.
func (w *WebSocket) dial(ctx context.Context, out chan<- Event) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, newBackoff(w.minBackoff, w.maxBackoff), func(ctx context.Context) error {
		c, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Debug("Realtime dial failed", zap.String("url", w.url), zap.Error(err))
				emit(ctx, out, Event{Kind: KindConnectError, Err: err})
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	return conn, err
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Event) error {
	stop := make(chan struct{})
	defer close(stop)

	deadline := 2 * w.pingInterval
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	go func() {
		ticker := time.NewTicker(w.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		ev, ok, err := DecodeFrame(message)
		if err != nil {
			w.log.Warn("Failed to parse realtime frame", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !emit(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func newBackoff(min, max time.Duration) retry.Backoff {
	if min <= 0 {
		min = defaultMinBackoff
	}
	if max < min {
		max = min
	}
	b := retry.NewExponential(min)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(max, b)
}
