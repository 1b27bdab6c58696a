package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/pkg/vendor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type snapshot struct {
	Online  bool
	Version string
	Queue   int
}

// fakeSource hands out scripted results and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	results []fetchResult[snapshot]
	calls   atomic.Int32
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeSource) push(data snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fetchResult[snapshot]{data: data, err: err})
}

func (f *fakeSource) fetch(ctx context.Context) (snapshot, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return snapshot{Online: true, Version: "default"}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res.data, res.err
}

func newMockClock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestCoordinator_SingleFlight(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New("lidarr", src.fetch, Options{Logger: zap.NewNop()})

	const callers = 5
	errs := make(chan error, callers)

	go func() { errs <- c.RequestRefresh(context.Background()) }()
	<-src.started

	for i := 1; i < callers; i++ {
		go func() { errs <- c.RequestRefresh(context.Background()) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), src.calls.Load(), "concurrent requests share one fetch")
	assert.Equal(t, "default", c.Data().Version)
}

func TestCoordinator_SequentialRefreshesFetchAgain(t *testing.T) {
	src := &fakeSource{}
	c := New("lidarr", src.fetch, Options{})

	require.NoError(t, c.RequestRefresh(context.Background()))
	require.NoError(t, c.RequestRefresh(context.Background()))

	assert.Equal(t, int32(2), src.calls.Load())
}

func TestCoordinator_FailureKeepsLastGoodData(t *testing.T) {
	src := &fakeSource{}
	src.push(snapshot{Online: true, Version: "2.1.0", Queue: 3}, nil)
	src.push(snapshot{}, vendor.Connection("get_status", errors.New("connection refused")))

	clk := newMockClock()
	c := New("lidarr", src.fetch, Options{Clock: clk})

	notified := 0
	c.AddListener(func() { notified++ })

	require.NoError(t, c.FirstRefresh(context.Background()))
	assert.True(t, c.LastUpdateSuccess())
	assert.Equal(t, clk.Now(), c.LastUpdateSuccessTime())

	err := c.RequestRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.NotErrorIs(t, err, ErrAuthFailed)

	assert.False(t, c.LastUpdateSuccess())
	assert.Equal(t, err, c.LastError())
	data, ok := c.DataOK()
	assert.True(t, ok)
	assert.Equal(t, "2.1.0", data.Version, "stale data is kept")
	assert.Equal(t, 3, data.Queue)
	assert.Equal(t, 2, notified, "listeners hear about failures too")

	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "lidarr", uerr.Coordinator)
	assert.Equal(t, vendor.KindConnection, uerr.Kind)
	assert.Contains(t, err.Error(), "error fetching lidarr data")
}

func TestCoordinator_RecoveryClearsError(t *testing.T) {
	src := &fakeSource{}
	src.push(snapshot{}, errors.New("timeout"))
	src.push(snapshot{Online: true, Version: "2.2.0"}, nil)

	c := New("lidarr", src.fetch, Options{})

	assert.Error(t, c.RequestRefresh(context.Background()))
	_, ok := c.DataOK()
	assert.False(t, ok)

	require.NoError(t, c.RequestRefresh(context.Background()))
	assert.True(t, c.LastUpdateSuccess())
	assert.NoError(t, c.LastError())
	assert.Equal(t, "2.2.0", c.Data().Version)
}

func TestCoordinator_FirstRefresh(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantNotRdy  bool
		wantAuthErr bool
	}{
		{name: "success"},
		{name: "connection failure", err: vendor.Connection("get_status", errors.New("refused")), wantNotRdy: true},
		{name: "malformed response", err: vendor.Malformed("get_status", errors.New("bad json")), wantNotRdy: true},
		{name: "auth failure", err: vendor.Auth("get_status", errors.New("401")), wantAuthErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			src.push(snapshot{Online: true}, tt.err)
			c := New("camera", src.fetch, Options{})

			err := c.FirstRefresh(context.Background())
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantNotRdy, errors.Is(err, ErrNotReady))
			assert.Equal(t, tt.wantAuthErr, errors.Is(err, ErrAuthFailed))
		})
	}
}

func TestCoordinator_ListenersNotifiedInOrder(t *testing.T) {
	c := New("camera", (&fakeSource{}).fetch, Options{})

	var order []int
	for i := 1; i <= 3; i++ {
		c.AddListener(func() { order = append(order, i) })
	}

	c.SetUpdatedData(snapshot{Online: true, Version: "pushed"})

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, "pushed", c.Data().Version)
	assert.True(t, c.LastUpdateSuccess())
}

func TestCoordinator_ListenerPanicIsolated(t *testing.T) {
	c := New("camera", (&fakeSource{}).fetch, Options{})

	called := false
	c.AddListener(func() { panic("boom") })
	c.AddListener(func() { called = true })

	require.NoError(t, c.RequestRefresh(context.Background()))
	assert.True(t, called)
}

func TestCoordinator_RemoveListenerIsIdempotent(t *testing.T) {
	clk := newMockClock()
	c := New("camera", (&fakeSource{}).fetch, Options{Clock: clk, UpdateInterval: time.Minute})

	calls := 0
	removeA := c.AddListener(func() { calls++ })
	removeB := c.AddListener(func() {})
	assert.Equal(t, 2, c.ListenerCount())

	removeA()
	removeA()
	assert.Equal(t, 1, c.ListenerCount())
	assert.Equal(t, 1, clk.Pending(), "still scheduled while a listener remains")

	c.SetUpdatedData(snapshot{})
	assert.Equal(t, 0, calls)

	removeB()
	assert.Equal(t, 0, c.ListenerCount())
	assert.Equal(t, 0, clk.Pending(), "schedule stops with the last listener")
}

func TestCoordinator_ScheduleRunsOnlyWithListeners(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	c := New("lidarr", src.fetch, Options{Clock: clk, UpdateInterval: 30 * time.Second})

	require.NoError(t, c.FirstRefresh(context.Background()))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, int32(1), src.calls.Load())

	c.AddListener(func() {})
	next, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(30*time.Second), next)

	clk.Advance(30 * time.Second)
	assert.Equal(t, int32(2), src.calls.Load())

	clk.Advance(30 * time.Second)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestCoordinator_ManualRefreshPushesScheduleBack(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	c := New("lidarr", src.fetch, Options{Clock: clk, UpdateInterval: 30 * time.Second})
	c.AddListener(func() {})

	clk.Advance(20 * time.Second)
	require.NoError(t, c.RequestRefresh(context.Background()))

	next, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(30*time.Second), next)

	clk.Advance(10 * time.Second)
	assert.Equal(t, int32(1), src.calls.Load(), "old deadline was cancelled")
}

func TestCoordinator_SetUpdatedDataReschedules(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	c := New("camera", src.fetch, Options{Clock: clk, UpdateInterval: time.Minute})
	c.AddListener(func() {})

	clk.Advance(45 * time.Second)
	c.SetUpdatedData(snapshot{Online: true})

	next, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Minute), next)
	assert.Equal(t, 1, clk.Pending())
}

func TestCoordinator_RateLimitDelaysNextRefresh(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	src.push(snapshot{}, vendor.RateLimited("get_queue", 90*time.Second, errors.New("429")))
	c := New("lidarr", src.fetch, Options{Clock: clk, UpdateInterval: 30 * time.Second})
	c.AddListener(func() {})

	require.Error(t, c.RequestRefresh(context.Background()))

	next, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(90*time.Second), next)
}

func TestCoordinator_AuthFailureStopsSchedule(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	src.push(snapshot{}, vendor.Auth("get_status", errors.New("invalid api key")))
	src.push(snapshot{Online: true}, nil)

	var authErrs []error
	c := New("lidarr", src.fetch, Options{
		Clock:          clk,
		UpdateInterval: 30 * time.Second,
		OnAuthFailed:   func(err error) { authErrs = append(authErrs, err) },
	})
	c.AddListener(func() {})

	err := c.RequestRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	require.Len(t, authErrs, 1)
	assert.ErrorIs(t, authErrs[0], ErrAuthFailed)
	assert.Equal(t, 0, clk.Pending(), "no point polling with bad credentials")

	require.NoError(t, c.RequestRefresh(context.Background()))
	assert.Equal(t, 1, clk.Pending(), "schedule resumes after a success")
}

func TestCoordinator_SkipUnchanged(t *testing.T) {
	src := &fakeSource{}
	same := snapshot{Online: true, Version: "1.0"}
	src.push(same, nil)
	src.push(same, nil)
	src.push(snapshot{}, errors.New("down"))
	src.push(snapshot{}, errors.New("down"))
	src.push(snapshot{Online: true, Version: "1.1"}, nil)

	c := New("lidarr", src.fetch, Options{SkipUnchanged: true})
	notified := 0
	c.AddListener(func() { notified++ })

	for i := 0; i < 5; i++ {
		_ = c.RequestRefresh(context.Background())
	}

	// first success, first failure, recovery
	assert.Equal(t, 3, notified)
}

func TestCoordinator_FetchTimeout(t *testing.T) {
	c := New("camera", func(ctx context.Context) (snapshot, error) {
		<-ctx.Done()
		return snapshot{}, ctx.Err()
	}, Options{FetchTimeout: 20 * time.Millisecond})

	err := c.RequestRefresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, vendor.KindConnection, vendor.KindOf(err))
	assert.Contains(t, err.Error(), "timeout")
	assert.False(t, c.LastUpdateSuccess())
}

func TestCoordinator_FetchIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c := New("camera", func(ctx context.Context) (snapshot, error) {
		<-release
		return snapshot{Online: true}, nil
	}, Options{FetchTimeout: 20 * time.Millisecond})

	err := c.RequestRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_CallerContextOnlyBoundsWait(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New("camera", src.fetch, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.RequestRefresh(ctx) }()
	<-src.started

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(src.gate)
	require.Eventually(t, func() bool {
		_, ok := c.DataOK()
		return ok
	}, time.Second, 5*time.Millisecond, "abandoned fetch still lands")
}

func TestCoordinator_ShutdownDiscardsInFlight(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	clk := newMockClock()
	c := New("camera", src.fetch, Options{Clock: clk, UpdateInterval: time.Minute})

	notified := 0
	c.AddListener(func() { notified++ })

	errs := make(chan error, 1)
	go func() { errs <- c.RequestRefresh(context.Background()) }()
	<-src.started

	c.Shutdown()
	close(src.gate)

	assert.ErrorIs(t, <-errs, ErrShutdown)
	_, ok := c.DataOK()
	assert.False(t, ok)
	assert.Equal(t, 0, notified)
	assert.Equal(t, 0, clk.Pending())

	assert.ErrorIs(t, c.RequestRefresh(context.Background()), ErrShutdown)
	c.AddListener(func() {})()
	assert.Equal(t, 0, c.ListenerCount())
}

func TestCoordinator_ScheduleRefreshDebounces(t *testing.T) {
	clk := newMockClock()
	src := &fakeSource{}
	c := New("camera", src.fetch, Options{Clock: clk, RequestCooldown: 10 * time.Second})

	c.ScheduleRefresh()
	c.ScheduleRefresh()
	c.ScheduleRefresh()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), src.calls.Load())
}
