// Package realtime consumes the backend's push channel. A Subscription turns
// connection lifecycle changes and job notifications into a stream of Events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"jobdeck/internal/model"
)

// Inbound event names on the wire.
const (
	EventJobStatusUpdate = "jobStatusUpdate"
	EventJobDeleted      = "jobDeleted"
)

// Kind classifies an Event.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	KindConnectError
	KindJobUpsert
	KindJobDelete
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindConnectError:
		return "connect_error"
	case KindJobUpsert:
		return EventJobStatusUpdate
	case KindJobDelete:
		return EventJobDeleted
	}
	return "unknown"
}

// Event is one item delivered by a Subscription.
type Event struct {
	Kind  Kind
	Row   map[string]interface{} // KindJobUpsert
	JobID string                 // KindJobDelete
	Err   error                  // KindDisconnect, KindConnectError
}

// Subscription is a push channel. Start begins connecting in the background
// and returns the event stream; the stream is closed once the subscription
// has stopped, after ctx is cancelled or Close is called. Close is
// idempotent.
type Subscription interface {
	Start(ctx context.Context) <-chan Event
	Close() error
}

// DecodeFrame parses one push frame. Two encodings are accepted:
//
//	{"event": "jobStatusUpdate", "data": {...}}
//	["jobStatusUpdate", {...}]
//
// ok is false for frames that carry nothing this package understands.
func DecodeFrame(raw []byte) (ev Event, ok bool, err error) {
	name, payload, err := splitFrame(raw)
	if err != nil {
		return Event{}, false, err
	}

	switch name {
	case EventJobStatusUpdate:
		row, isRow := payload.(map[string]interface{})
		if !isRow {
			return Event{}, false, nil
		}
		return Event{Kind: KindJobUpsert, Row: row}, true, nil
	case EventJobDeleted:
		id := model.EventID(payload)
		if id == "" {
			return Event{}, false, nil
		}
		return Event{Kind: KindJobDelete, JobID: id}, true, nil
	}
	return Event{}, false, nil
}

func splitFrame(raw []byte) (string, interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil, fmt.Errorf("decode push frame: %w", err)
	}
	switch f := v.(type) {
	case map[string]interface{}:
		name, _ := f["event"].(string)
		if name == "" {
			name, _ = f["type"].(string)
		}
		return strings.TrimSpace(name), f["data"], nil
	case []interface{}:
		if len(f) == 0 {
			return "", nil, nil
		}
		name, _ := f[0].(string)
		var payload interface{}
		if len(f) > 1 {
			payload = f[1]
		}
		return strings.TrimSpace(name), payload, nil
	}
	return "", nil, nil
}

// emit delivers ev unless ctx is done.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
