package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Subscription over a Redis pub/sub channel carrying the same
// frames as the websocket transport.
type Redis struct {
	rdb        *redis.Client
	channel    string
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ps     *redis.PubSub
	closed bool
}

// NewRedis creates a subscription to channel.
func NewRedis(rdb *redis.Client, channel string, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		rdb:        rdb,
		channel:    channel,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		log:        log,
	}
}

func (r *Redis) Start(ctx context.Context) <-chan Event {
	out := make(chan Event, 64)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(out)
		return out
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ps = r.rdb.Subscribe(ctx, r.channel)
	ps := r.ps
	r.mu.Unlock()

	// Receive does not observe ctx while blocked on the socket.
	go func() {
		<-ctx.Done()
		ps.Close()
	}()
	go r.run(ctx, ps, out)
	return out
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *Redis) run(ctx context.Context, ps *redis.PubSub, out chan<- Event) {
	defer close(out)

	live := false
	backoff := newBackoff(r.minBackoff, r.maxBackoff)
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := KindConnectError
			if live {
				kind = KindDisconnect
				r.log.Warn("Realtime channel disconnected", zap.String("channel", r.channel), zap.Error(err))
			}
			live = false
			if !emit(ctx, out, Event{Kind: kind, Err: err}) {
				return
			}
			wait, _ := backoff.Next()
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" && m.Channel == r.channel {
				live = true
				backoff = newBackoff(r.minBackoff, r.maxBackoff)
				r.log.Info("Realtime channel connected", zap.String("channel", r.channel))
				if !emit(ctx, out, Event{Kind: KindConnect}) {
					return
				}
			}
		case *redis.Message:
			ev, ok, err := DecodeFrame([]byte(m.Payload))
			if err != nil {
				r.log.Warn("Failed to parse realtime frame", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if ok && !emit(ctx, out, ev) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
