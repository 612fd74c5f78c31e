// Package dispatch performs user-initiated mutations against the backend and
// turns every outcome into a status message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"jobdeck/internal/backend"
	"jobdeck/internal/config"
	"jobdeck/internal/model"

	"go.uber.org/zap"
)

// Backend is the subset of the backend client the dispatcher calls.
type Backend interface {
	Submit(ctx context.Context, kind model.ActionKind, req backend.SubmitRequest) (map[string]interface{}, error)
	Confirm(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
}

// Reconciler receives the local effects of a successful action.
type Reconciler interface {
	Upsert(row map[string]interface{}) bool
	Refresh() bool
}

type Options struct {
	Messages   Messages
	Optimistic bool
}

// OptionsFromConfig maps session configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Messages:   MessagesFor(cfg.Locale),
		Optimistic: cfg.OptimisticUpdates,
	}
}

// Dispatcher holds the action draft and the last status message. It is safe
// for concurrent use. None of its methods return errors: failures become the
// status message.
type Dispatcher struct {
	backend    Backend
	reconciler Reconciler
	msgs       Messages
	optimistic bool
	log        *zap.Logger

	mu        sync.Mutex
	draft     model.Draft
	status    string
	listeners []func(string)
}

// New creates a dispatcher. reconciler may be nil.
func New(b Backend, reconciler Reconciler, opts Options, log *zap.Logger) *Dispatcher {
	if opts.Messages == (Messages{}) {
		opts.Messages = Thai
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		backend:    b,
		reconciler: reconciler,
		msgs:       opts.Messages,
		optimistic: opts.Optimistic,
		log:        log,
		draft:      model.Draft{Action: model.ActionSend},
		status:     opts.Messages.Idle,
	}
}

// Status returns the last status message.
func (d *Dispatcher) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Draft returns the current draft.
func (d *Dispatcher) Draft() model.Draft {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draft
}

// SetDraft replaces the draft. An empty action keeps the current one.
func (d *Dispatcher) SetDraft(draft model.Draft) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if draft.Action == "" {
		draft.Action = d.draft.Action
	}
	d.draft = draft
}

// OnStatus registers fn to be called with every new status message.
func (d *Dispatcher) OnStatus(fn func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Submit dispatches the current draft.
func (d *Dispatcher) Submit(ctx context.Context) string {
	draft := d.Draft()
	return d.Dispatch(ctx, draft.Action, draft.Message, draft.Name)
}

// Dispatch performs action with message and an optional name. For retry the
// message is the job ID. The draft message and name are cleared on success
// only.
func (d *Dispatcher) Dispatch(ctx context.Context, action model.ActionKind, message, name string) string {
	message = strings.TrimSpace(message)
	name = strings.TrimSpace(name)
	if action == "" {
		action = model.ActionSend
	}

	if message == "" {
		return d.setStatus(d.msgs.MissingInput)
	}
	if !action.Valid() {
		d.log.Warn("Unsupported action", zap.String("action", string(action)))
		return d.setStatus(d.msgs.Failed)
	}

	if action == model.ActionRetry {
		if err := d.backend.Retry(ctx, message); err != nil {
			return d.fail("retry", err, zap.String("job_id", message))
		}
		d.succeeded(nil)
		return d.setStatus(fmt.Sprintf(d.msgs.Retried, message))
	}

	row, err := d.backend.Submit(ctx, action, backend.SubmitRequest{Message: message, Name: name})
	if err != nil {
		return d.fail(string(action), err)
	}
	d.succeeded(row)
	return d.setStatus(fmt.Sprintf(d.msgs.Submitted, action, message))
}

// Confirm confirms a processing job. The draft is left alone.
func (d *Dispatcher) Confirm(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return d.setStatus(d.msgs.MissingInput)
	}
	if err := d.backend.Confirm(ctx, id); err != nil {
		return d.fail("confirm", err, zap.String("job_id", id))
	}
	d.reconcile(nil)
	return d.setStatus(fmt.Sprintf(d.msgs.Confirmed, id))
}

// Retry re-queues a job from the list. The draft is left alone.
func (d *Dispatcher) Retry(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return d.setStatus(d.msgs.MissingInput)
	}
	if err := d.backend.Retry(ctx, id); err != nil {
		return d.fail("retry", err, zap.String("job_id", id))
	}
	d.reconcile(nil)
	return d.setStatus(fmt.Sprintf(d.msgs.Retried, id))
}

func (d *Dispatcher) succeeded(row map[string]interface{}) {
	d.mu.Lock()
	d.draft.Message = ""
	d.draft.Name = ""
	d.mu.Unlock()
	d.reconcile(row)
}

// reconcile hands an echoed row to the reconciler when optimistic updates are
// on, and otherwise asks for a refresh so the next page reflects the action.
func (d *Dispatcher) reconcile(row map[string]interface{}) {
	if d.reconciler == nil {
		return
	}
	if d.optimistic && row != nil && d.reconciler.Upsert(row) {
		return
	}
	d.reconciler.Refresh()
}

func (d *Dispatcher) fail(op string, err error, fields ...zap.Field) string {
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) && reqErr.RateLimited() {
		d.log.Warn("Action rate limited", append(fields, zap.String("action", op))...)
		return d.setStatus(d.msgs.RateLimited)
	}
	d.log.Error("Action failed", append(fields, zap.String("action", op), zap.Error(err))...)
	return d.setStatus(d.msgs.Failed)
}

func (d *Dispatcher) setStatus(status string) string {
	d.mu.Lock()
	d.status = status
	listeners := make([]func(string), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
	return status
}
