package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobdeck/internal/backend"
	"jobdeck/internal/collection"
	"jobdeck/internal/model"
	"jobdeck/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSub is a Subscription driven by the test.
type fakeSub struct {
	events  chan realtime.Event
	started atomic.Bool
	closed  atomic.Int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan realtime.Event, 16)}
}

func (f *fakeSub) Start(ctx context.Context) <-chan realtime.Event {
	f.started.Store(true)
	return f.events
}

func (f *fakeSub) Close() error {
	f.closed.Add(1)
	return nil
}

// fakeFetcher serves pages keyed by cursor.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]backend.Page
	err     error
	calls   []string
	gate    chan struct{}
	fetches atomic.Int32
}

func (f *fakeFetcher) FetchPage(ctx context.Context, cursor string) (backend.Page, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, cursor)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return backend.Page{}, f.err
	}
	return f.pages[cursor], nil
}

func (f *fakeFetcher) setPage(cursor string, p backend.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor] = p
}

func jobs(ids ...string) []model.Job {
	out := make([]model.Job, len(ids))
	for i, id := range ids {
		out[i] = model.Normalize(map[string]interface{}{"_id": id, "status": "queued"})
	}
	return out
}

func viewIDs(v collection.View) []string {
	out := make([]string, len(v.Jobs))
	for i, j := range v.Jobs {
		out[i] = j.ID
	}
	return out
}

const (
	idA = "64a1f2e100000000000000aa"
	idB = "64a1f2e200000000000000aa"
	idC = "64a1f2e300000000000000aa"
	idD = "64a1f2e400000000000000aa"
)

func start(t *testing.T, f *fakeFetcher, sub *fakeSub, opts Options) (*Supervisor, func() error) {
	t.Helper()
	s := New(f, sub, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	stop := func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return s, stop
}

func TestSupervisor_InitialPageAndGoLive(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{
		"": {Jobs: jobs(idD, idC), NextCursor: "older-1", HasMore: true},
	}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Second, PollInterval: time.Hour})

	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{idC, idD}, viewIDs(s.View()))
	assert.True(t, s.View().HasMore)
	assert.Equal(t, StateConnecting, s.State())

	sub.events <- realtime.Event{Kind: realtime.KindConnect}
	require.Eventually(t, func() bool { return s.State() == StateLive }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "live", s.View().Transport)

	require.NoError(t, stop())
	assert.Equal(t, int32(1), sub.closed.Load())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSupervisor_WatchdogFallsBackToPolling(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idA)}}}
	sub := newFakeSub()
	sub.events <- realtime.Event{Kind: realtime.KindConnectError, Err: errors.New("refused")}

	s, stop := start(t, f, sub, Options{WatchdogDelay: 20 * time.Millisecond, PollInterval: 30 * time.Millisecond})

	require.Eventually(t, func() bool { return s.State() == StatePolling }, 2*time.Second, 5*time.Millisecond)
	initial := f.fetches.Load()
	require.Eventually(t, func() bool { return f.fetches.Load() > initial }, 2*time.Second, 5*time.Millisecond,
		"polling should issue a full refresh")

	sub.events <- realtime.Event{Kind: realtime.KindConnect}
	require.Eventually(t, func() bool { return s.State() == StateLive }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	settled := f.fetches.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.fetches.Load(), "polling stops once live")

	require.NoError(t, stop())
}

func TestSupervisor_LiveDisconnectStartsPolling(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idA)}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: 20 * time.Millisecond})

	sub.events <- realtime.Event{Kind: realtime.KindConnect}
	require.Eventually(t, func() bool { return s.State() == StateLive }, 2*time.Second, 5*time.Millisecond)

	sub.events <- realtime.Event{Kind: realtime.KindDisconnect, Err: errors.New("gone")}
	require.Eventually(t, func() bool { return s.State() == StatePolling }, 2*time.Second, 5*time.Millisecond)
	before := f.fetches.Load()
	require.Eventually(t, func() bool { return f.fetches.Load() > before }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
}

func TestSupervisor_PushEventsMerge(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idA, idB)}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var versions []uint64
	s.OnChange(func(v collection.View) {
		mu.Lock()
		versions = append(versions, v.Version)
		mu.Unlock()
	})

	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idA, "status": "completed"}}
	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idC, "status": "queued"}}
	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"status": "queued"}}
	sub.events <- realtime.Event{Kind: realtime.KindJobDelete, JobID: idB}
	sub.events <- realtime.Event{Kind: realtime.KindJobDelete, JobID: "missing"}

	require.Eventually(t, func() bool {
		ids := viewIDs(s.View())
		return len(ids) == 2 && ids[0] == idA && ids[1] == idC
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusCompleted, s.View().Jobs[0].Status)

	mu.Lock()
	assert.Len(t, versions, 3, "only effective mutations publish")
	mu.Unlock()

	require.NoError(t, stop())
}

func TestSupervisor_LoadOlder(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{
		"":        {Jobs: jobs(idD, idC), NextCursor: "older-1", HasMore: true},
		"older-1": {Jobs: jobs(idB, idA, idC), NextCursor: "", HasMore: false},
	}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.LoadOlder())
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 4 }, 2*time.Second, 5*time.Millisecond)

	v := s.View()
	assert.Equal(t, []string{idA, idB, idC, idD}, viewIDs(v))
	assert.False(t, v.HasMore)
	assert.True(t, v.Anchor.Prepended)
	assert.Equal(t, 2, v.Anchor.PrependedCount)

	s.LoadOlder()
	time.Sleep(30 * time.Millisecond)
	f.mu.Lock()
	assert.Equal(t, []string{"", "older-1"}, f.calls, "no fetch once the last page is loaded")
	f.mu.Unlock()

	require.NoError(t, stop())
}

func TestSupervisor_PushDuringRefreshIsReplayed(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, pages: map[string]backend.Page{"": {Jobs: jobs(idA)}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})

	require.Eventually(t, func() bool { return f.fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idB, "status": "processing"}}
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{idA, idB}, viewIDs(s.View()))

	require.NoError(t, stop())
}

func TestSupervisor_RefreshWinsOverEarlierPush(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, pages: map[string]backend.Page{"": {Jobs: []model.Job{
		model.Normalize(map[string]interface{}{"_id": idA, "status": "completed"}),
		model.Normalize(map[string]interface{}{"_id": idB, "status": "completed", "updatedAt": "2024-01-01T10:00:00Z"}),
		model.Normalize(map[string]interface{}{"_id": idC, "status": "completed", "message": "stored"}),
	}}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})

	require.Eventually(t, func() bool { return f.fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idA, "status": "processing"}}
	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idB, "status": "failed", "updatedAt": "2024-01-01T10:00:05Z"}}
	require.True(t, s.Upsert(map[string]interface{}{"_id": idC, "status": "queued", "message": "echo"}))
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 3 }, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Jobs) == 3 && v.Jobs[0].Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	v := s.View()
	assert.Equal(t, []string{idA, idB, idC}, viewIDs(v))
	assert.Equal(t, model.StatusFailed, v.Jobs[1].Status, "a push stamped after the page still applies")
	assert.Equal(t, model.StatusCompleted, v.Jobs[2].Status)
	assert.Equal(t, "stored", *v.Jobs[2].Message)
	assert.False(t, v.Jobs[2].Pending)

	require.NoError(t, stop())
}

func TestSupervisor_MissingCursorEndsPagination(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idC), HasMore: true}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, s.View().HasMore)
	require.True(t, s.LoadOlder())
	time.Sleep(30 * time.Millisecond)
	f.mu.Lock()
	assert.Equal(t, []string{""}, f.calls)
	f.mu.Unlock()

	require.NoError(t, stop())
}

func TestSupervisor_PrependHintPublishedOnce(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{
		"":        {Jobs: jobs(idD), NextCursor: "older-1", HasMore: true},
		"older-1": {Jobs: jobs(idC)},
	}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.LoadOlder())
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)
	prepended := s.View()
	assert.True(t, prepended.Anchor.Prepended)
	assert.Equal(t, 1, prepended.Anchor.PrependedCount)

	sub.events <- realtime.Event{Kind: realtime.KindConnect}
	require.Eventually(t, func() bool { return s.State() == StateLive }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.View().Transport == "live" }, 2*time.Second, 5*time.Millisecond)

	v := s.View()
	assert.Greater(t, v.Version, prepended.Version)
	assert.False(t, v.Anchor.Prepended)
	assert.Zero(t, v.Anchor.PrependedCount)

	require.NoError(t, stop())
}

func TestSupervisor_RefreshFailureKeepsCollection(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idA)}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.mu.Lock()
	f.err = errors.New("backend down")
	f.mu.Unlock()

	require.True(t, s.Refresh())
	require.Eventually(t, func() bool { return f.fetches.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{idA}, viewIDs(s.View()))

	require.NoError(t, stop())
}

func TestSupervisor_OptimisticUpsertReconciles(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {Jobs: jobs(idA)}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: time.Hour, PollInterval: time.Hour})
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, s.Upsert(map[string]interface{}{"message": "no id"}))
	require.True(t, s.Upsert(map[string]interface{}{"_id": idB, "status": "queued"}))
	require.Eventually(t, func() bool { return len(s.View().Jobs) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.View().Jobs[1].Pending)

	sub.events <- realtime.Event{Kind: realtime.KindJobUpsert, Row: map[string]interface{}{"_id": idB, "status": "processing"}}
	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Jobs) == 2 && !v.Jobs[1].Pending && v.Jobs[1].Status == model.StatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
}

func TestSupervisor_TeardownReleasesEverything(t *testing.T) {
	f := &fakeFetcher{pages: map[string]backend.Page{"": {}}}
	sub := newFakeSub()
	s, stop := start(t, f, sub, Options{WatchdogDelay: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	require.Eventually(t, func() bool { return s.State() == StatePolling }, 2*time.Second, 5*time.Millisecond)

	calls := atomic.Int32{}
	s.OnChange(func(collection.View) { calls.Add(1) })

	require.NoError(t, stop())
	assert.True(t, sub.started.Load())
	assert.Equal(t, int32(1), sub.closed.Load())

	after := f.fetches.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.fetches.Load(), "no polling after teardown")
	assert.False(t, s.Refresh(), "requests after teardown are refused")
	assert.False(t, s.LoadOlder())

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}
