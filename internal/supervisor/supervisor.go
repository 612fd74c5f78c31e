// Package supervisor keeps the local job collection in sync with the backend.
//
// A Supervisor is a single actor: Run owns the collection and handles timer
// ticks, push events, fetch results and caller requests one at a time, so no
// two merges ever interleave. Network calls run on their own goroutines and
// post their results back to the actor.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobdeck/internal/backend"
	"jobdeck/internal/collection"
	"jobdeck/internal/config"
	"jobdeck/internal/model"
	"jobdeck/internal/realtime"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the transport state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StatePolling      State = "polling"
)

// Fetcher loads one page of jobs. An empty cursor means the newest page.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor string) (backend.Page, error)
}

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Options tune the supervisor.
type Options struct {
	WatchdogDelay time.Duration
	PollInterval  time.Duration
	RejectStale   bool
	PendingTTL    time.Duration
}

// OptionsFromConfig maps session configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WatchdogDelay: cfg.WatchdogDelay,
		PollInterval:  cfg.PollInterval,
		RejectStale:   cfg.RejectStaleUpdates,
		PendingTTL:    cfg.PendingTTL,
	}
}

const (
	defaultWatchdogDelay = 800 * time.Millisecond
	defaultPollInterval  = 5 * time.Second
	defaultPendingTTL    = 30 * time.Second
	pendingCapacity      = 256
)

type Supervisor struct {
	fetcher Fetcher
	sub     realtime.Subscription
	opts    Options
	log     *zap.Logger

	inbox chan func(context.Context)
	done  chan struct{}

	// Owned by the Run goroutine.
	jobs         *collection.Collection
	watchdog     *time.Timer
	poll         *time.Ticker
	cursor       string
	hasMore      bool
	generation   uint64
	refreshing   bool
	loadingOlder bool
	journal      []realtime.Event

	pending *expirable.LRU[string, struct{}]

	mu        sync.RWMutex
	state     State
	view      collection.View
	listeners []func(collection.View)
	started   bool
}

// New creates a supervisor. Nothing happens until Run is called.
func New(fetcher Fetcher, sub realtime.Subscription, opts Options, log *zap.Logger) *Supervisor {
	if opts.WatchdogDelay <= 0 {
		opts.WatchdogDelay = defaultWatchdogDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		fetcher: fetcher,
		sub:     sub,
		opts:    opts,
		log:     log,
		inbox:   make(chan func(context.Context), 64),
		done:    make(chan struct{}),
		jobs:    collection.New(opts.RejectStale),
		pending: expirable.NewLRU[string, struct{}](pendingCapacity, nil, opts.PendingTTL),
		state:   StateDisconnected,
	}
	s.view = s.project()
	return s
}

// Run activates the supervisor and blocks until ctx is cancelled. Timers,
// the subscription and listeners are released on every exit path. Run may
// only be called once.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		err = multierr.Append(err, s.teardown())
	}()

	s.setState(StateConnecting)
	events := s.sub.Start(ctx)
	s.watchdog = time.NewTimer(s.opts.WatchdogDelay)
	s.refresh(ctx)

	for {
		var watchdogC, pollC <-chan time.Time
		if s.watchdog != nil {
			watchdogC = s.watchdog.C
		}
		if s.poll != nil {
			pollC = s.poll.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-watchdogC:
			s.watchdog = nil
			s.onWatchdog()
		case <-pollC:
			s.refresh(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.log.Warn("Realtime subscription stopped")
				if s.State() == StateLive {
					s.startPolling()
				}
				continue
			}
			s.onEvent(ev)
		case fn := <-s.inbox:
			fn(ctx)
		}
	}
}

// State returns the current transport state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// View returns the latest projection.
func (s *Supervisor) View() collection.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// OnChange registers fn to be called with every new projection. fn runs on
// the supervisor goroutine and must not block.
func (s *Supervisor) OnChange(fn func(collection.View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Refresh requests a full refresh of the collection.
func (s *Supervisor) Refresh() bool {
	return s.post(func(ctx context.Context) { s.refresh(ctx) })
}

// LoadOlder requests the next page of older jobs. It is a no-op when no
// older page exists or one is already loading.
func (s *Supervisor) LoadOlder() bool {
	return s.post(func(ctx context.Context) { s.loadOlder(ctx) })
}

// Upsert merges a locally produced job row and marks it pending until an
// authoritative update for the same job arrives.
func (s *Supervisor) Upsert(row map[string]interface{}) bool {
	job := model.Normalize(row)
	if job.ID == "" {
		return false
	}
	return s.post(func(context.Context) {
		s.pending.Add(job.ID, struct{}{})
		s.record(realtime.Event{Kind: realtime.KindJobUpsert, Row: row})
		if s.jobs.Upsert(job) {
			s.publish()
		}
	})
}

func (s *Supervisor) post(fn func(context.Context)) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) onWatchdog() {
	if s.State() != StateConnecting {
		return
	}
	s.log.Warn("Realtime channel not confirmed, falling back to polling",
		zap.Duration("watchdog", s.opts.WatchdogDelay))
	s.startPolling()
}

func (s *Supervisor) onEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindConnect:
		s.goLive()
	case realtime.KindDisconnect, realtime.KindConnectError:
		if s.State() == StateLive {
			s.log.Warn("Realtime channel lost, falling back to polling",
				zap.String("event", ev.Kind.String()), zap.Error(ev.Err))
			s.startPolling()
		}
	case realtime.KindJobUpsert, realtime.KindJobDelete:
		s.record(ev)
		if s.applyPush(ev) {
			s.publish()
		}
	}
}

// applyPush merges one push notification into the collection.
func (s *Supervisor) applyPush(ev realtime.Event) bool {
	switch ev.Kind {
	case realtime.KindJobUpsert:
		job := model.Normalize(ev.Row)
		if job.ID == "" {
			s.log.Debug("Dropping pushed job without identifier")
			return false
		}
		s.pending.Remove(job.ID)
		return s.jobs.Upsert(job)
	case realtime.KindJobDelete:
		s.pending.Remove(ev.JobID)
		return s.jobs.Delete(ev.JobID)
	}
	return false
}

// record keeps push mutations that arrive while a full refresh is in flight
// so they can be replayed on top of the refreshed page.
func (s *Supervisor) record(ev realtime.Event) {
	if s.refreshing {
		s.journal = append(s.journal, ev)
	}
}

func (s *Supervisor) goLive() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
	if s.State() != StateLive {
		s.log.Info("Realtime channel live")
		s.setState(StateLive)
	}
}

func (s *Supervisor) startPolling() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.poll == nil {
		s.poll = time.NewTicker(s.opts.PollInterval)
	}
	s.setState(StatePolling)
}

func (s *Supervisor) refresh(ctx context.Context) {
	if s.refreshing {
		s.log.Debug("Refresh already in flight")
		return
	}
	s.refreshing = true
	s.journal = s.journal[:0]

	go func() {
		page, err := s.fetcher.FetchPage(ctx, "")
		s.post(func(context.Context) { s.applyRefresh(page, err) })
	}()
}

func (s *Supervisor) applyRefresh(page backend.Page, err error) {
	s.refreshing = false
	journal := s.journal
	s.journal = nil

	if err != nil {
		s.log.Warn("Failed to refresh jobs", zap.Error(err))
		return
	}

	jobs := page.Jobs
	collection.SortChronological(jobs)
	s.jobs.Replace(jobs)
	fetched := make(map[string]model.Job, len(jobs))
	for _, job := range jobs {
		s.pending.Remove(job.ID)
		fetched[job.ID] = job
	}
	s.setCursor(page)
	s.generation++

	for _, ev := range journal {
		if ev.Kind != realtime.KindJobUpsert {
			s.applyPush(ev)
			continue
		}
		job := model.Normalize(ev.Row)
		if held, ok := fetched[job.ID]; ok && !newer(job, held) {
			continue
		}
		if s.pending.Contains(job.ID) {
			s.jobs.Upsert(job)
			continue
		}
		s.applyPush(ev)
	}
	s.publish()
}

// newer reports whether a journaled push carries a later update than the
// record a refresh returned for the same job. Without both timestamps the
// refreshed record wins.
func newer(pushed, fetched model.Job) bool {
	if pushed.UpdatedAt == nil || fetched.UpdatedAt == nil {
		return false
	}
	return pushed.UpdatedAt.After(*fetched.UpdatedAt)
}

// setCursor records where the next older page starts. A page that claims
// more history but carries no cursor ends pagination.
func (s *Supervisor) setCursor(page backend.Page) {
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore && page.NextCursor != ""
	if page.HasMore && page.NextCursor == "" {
		s.log.Warn("Backend reported more jobs without a cursor, stopping pagination")
	}
}

func (s *Supervisor) loadOlder(ctx context.Context) {
	if !s.hasMore || s.cursor == "" || s.loadingOlder {
		return
	}
	s.loadingOlder = true
	cursor := s.cursor
	gen := s.generation

	go func() {
		page, err := s.fetcher.FetchPage(ctx, cursor)
		s.post(func(context.Context) { s.applyOlder(gen, page, err) })
	}()
}

func (s *Supervisor) applyOlder(gen uint64, page backend.Page, err error) {
	s.loadingOlder = false
	if err != nil {
		s.log.Warn("Failed to load older jobs", zap.Error(err))
		return
	}
	if gen != s.generation {
		s.log.Debug("Discarding older page fetched before a refresh")
		return
	}

	jobs := page.Jobs
	collection.SortChronological(jobs)
	added := s.jobs.PrependOlder(jobs)
	s.setCursor(page)
	s.log.Debug("Loaded older jobs", zap.Int("added", added), zap.Bool("has_more", s.hasMore))
	s.publish()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.publish()
}

func (s *Supervisor) project() collection.View {
	v := collection.Project(s.jobs, s.hasMore, s.pending.Contains)
	v.Transport = string(s.state)
	return v
}

func (s *Supervisor) publish() {
	s.mu.Lock()
	version := s.view.Version + 1
	s.view = s.project()
	s.view.Version = version
	s.jobs.Settle()
	view := s.view
	listeners := make([]func(collection.View), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
}

func (s *Supervisor) teardown() error {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
	close(s.done)
	err := s.sub.Close()

	s.mu.Lock()
	s.listeners = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.log.Info("Supervisor stopped")
	return err
}
