// Package coordinator runs one authoritative fetch loop per vendor device and
// fans the cached result out to every entity that listens.
//
// Refreshes never overlap: concurrent requests share one in-flight fetch.
// A failed fetch keeps the last good data and flips LastUpdateSuccess so
// entities can render unavailable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/internal/debounce"
	"integrationcore/pkg/vendor"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFetchTimeout bounds a single fetch.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultRequestCooldown is the debounce window for ScheduleRefresh.
	DefaultRequestCooldown = 10 * time.Second

	refreshKey = "refresh"
)

// FetchFunc performs one vendor round trip and returns the full snapshot.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configures a Coordinator. The zero value is push-only with
// default timeouts.
type Options struct {
	// UpdateInterval schedules a refresh this long after the previous fetch
	// started. Ignored when Schedule is set.
	UpdateInterval time.Duration

	// Schedule overrides UpdateInterval, e.g. with a cron schedule.
	Schedule Schedule

	// FetchTimeout bounds one fetch. Zero uses DefaultFetchTimeout.
	FetchTimeout time.Duration

	// RequestCooldown debounces ScheduleRefresh. Zero uses
	// DefaultRequestCooldown, negative disables debouncing.
	RequestCooldown time.Duration

	// SkipUnchanged suppresses listener notification when a successful fetch
	// returns data equal to the cached data, or a failure follows a failure.
	SkipUnchanged bool

	// OnAuthFailed is called once per refresh that fails with an auth error.
	OnAuthFailed func(err error)

	Clock  clock.Clock
	Logger *zap.Logger
}

type listener struct {
	fn      func()
	removed bool
}

// Coordinator owns the cached snapshot of type T for one vendor device.
type Coordinator[T any] struct {
	name          string
	fetch         FetchFunc[T]
	schedule      Schedule
	timeout       time.Duration
	skipUnchanged bool
	onAuthFailed  func(error)
	clock         clock.Clock
	logger        *zap.Logger

	group     singleflight.Group
	debouncer *debounce.Debouncer

	mu                sync.RWMutex
	data              T
	hasData           bool
	lastUpdateSuccess bool
	lastErr           error
	lastSuccessTime   time.Time
	authFailed        bool
	shutdown          bool
	timer             clock.Timer
	timerGen          uint64
	listeners         []*listener
}

// New creates a Coordinator. Nothing is fetched until FirstRefresh or
// RequestRefresh is called, and nothing is scheduled until a listener is added.
func New[T any](name string, fetch FetchFunc[T], opts Options) *Coordinator[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	schedule := opts.Schedule
	if schedule == nil {
		schedule = Every(opts.UpdateInterval)
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	cooldown := opts.RequestCooldown
	if cooldown == 0 {
		cooldown = DefaultRequestCooldown
	}

	c := &Coordinator[T]{
		name:              name,
		fetch:             fetch,
		schedule:          schedule,
		timeout:           timeout,
		skipUnchanged:     opts.SkipUnchanged,
		onAuthFailed:      opts.OnAuthFailed,
		clock:             clock.OrReal(opts.Clock),
		logger:            logger.Named("coordinator").With(zap.String("coordinator", name)),
		lastUpdateSuccess: true,
	}
	c.debouncer = debounce.New(c.clock, cooldown, func() {
		go func() { _ = c.RequestRefresh(context.Background()) }()
	})
	return c
}

// Name returns the coordinator name used in logs and errors.
func (c *Coordinator[T]) Name() string {
	return c.name
}

// Data returns the cached snapshot, or the zero value before the first success.
func (c *Coordinator[T]) Data() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// DataOK returns the cached snapshot and whether any fetch has succeeded yet.
func (c *Coordinator[T]) DataOK() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.hasData
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
// It is true before the first refresh.
func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSuccess
}

// LastError returns the error of the most recent refresh, or nil.
func (c *Coordinator[T]) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastUpdateSuccessTime returns when data was last replaced successfully.
func (c *Coordinator[T]) LastUpdateSuccessTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccessTime
}

// ListenerCount returns the number of registered listeners.
func (c *Coordinator[T]) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// FirstRefresh performs the initial fetch during setup. A failure is wrapped
// in ErrNotReady, except auth failures which match ErrAuthFailed.
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	err := c.RequestRefresh(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrShutdown) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNotReady, err)
}

// RequestRefresh fetches now, or joins a fetch that is already in flight.
// ctx only bounds how long the caller waits; the fetch itself runs to
// completion (or FetchTimeout) and still updates every listener.
func (c *Coordinator[T]) RequestRefresh(ctx context.Context) error {
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, c.refresh()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleRefresh asks for a refresh soon. Bursts of calls within the
// request cooldown collapse into one leading and at most one trailing fetch.
func (c *Coordinator[T]) ScheduleRefresh() {
	c.debouncer.Call()
}

// SetUpdatedData replaces the cached data without fetching, e.g. when a push
// event carried a full snapshot. Listeners are notified before it returns
// and the next scheduled refresh is pushed back.
func (c *Coordinator[T]) SetUpdatedData(data T) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.stopTimerLocked()
	c.data = data
	c.hasData = true
	c.lastUpdateSuccess = true
	c.lastErr = nil
	c.lastSuccessTime = now
	c.authFailed = false
	c.scheduleLocked(now, nil)
	listeners := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("Manually updated data")
	c.notify(listeners)
}

// AddListener registers fn to be called after every refresh, in registration
// order. Adding the first listener starts the refresh schedule. The returned
// function removes the listener and may be called more than once.
// Listeners run inside the refresh and must not call RequestRefresh directly.
func (c *Coordinator[T]) AddListener(fn func()) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return func() {}
	}

	l := &listener{fn: fn}
	first := len(c.listeners) == 0
	c.listeners = append(c.listeners, l)
	if first && c.timer == nil {
		c.scheduleLocked(c.clock.Now(), nil)
	}

	return func() { c.removeListener(l) }
}

func (c *Coordinator[T]) removeListener(l *listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.removed {
		return
	}
	l.removed = true

	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			break
		}
	}
	if len(c.listeners) == 0 {
		c.stopTimerLocked()
	}
}

// Shutdown stops scheduling, drops all listeners and discards the result of
// any fetch still in flight.
func (c *Coordinator[T]) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.stopTimerLocked()
	for _, l := range c.listeners {
		l.removed = true
	}
	c.listeners = nil
	c.mu.Unlock()

	c.debouncer.Stop()
	c.logger.Debug("Coordinator shut down")
}

type fetchResult[T any] struct {
	data T
	err  error
}

func (c *Coordinator[T]) refresh() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	start := c.clock.Now()
	data, err := c.fetchWithTimeout()
	return c.store(start, data, err)
}

func (c *Coordinator[T]) fetchWithTimeout() (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	done := make(chan fetchResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- fetchResult[T]{data: zero, err: fmt.Errorf("fetch panicked: %v", r)}
			}
		}()
		data, err := c.fetch(ctx)
		done <- fetchResult[T]{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !vendor.IsAuth(res.err) {
			res.err = vendor.Connection("fetch", fmt.Errorf("timeout after %s: %w", c.timeout, res.err))
		}
		return res.data, res.err
	case <-ctx.Done():
		var zero T
		return zero, vendor.Connection("fetch", fmt.Errorf("timeout after %s: %w", c.timeout, ctx.Err()))
	}
}

func (c *Coordinator[T]) store(start time.Time, data T, fetchErr error) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.logger.Debug("Discarding fetch result after shutdown")
		return ErrShutdown
	}

	prevSuccess := c.lastUpdateSuccess
	changed := true
	var result error

	if fetchErr == nil {
		if c.skipUnchanged && c.hasData && prevSuccess && reflect.DeepEqual(c.data, data) {
			changed = false
		}
		c.data = data
		c.hasData = true
		c.lastUpdateSuccess = true
		c.lastErr = nil
		c.lastSuccessTime = c.clock.Now()
		c.authFailed = false
	} else {
		kind := vendor.KindOf(fetchErr)
		result = &UpdateError{Coordinator: c.name, Kind: kind, Err: fetchErr}
		c.lastUpdateSuccess = false
		c.lastErr = result
		c.authFailed = kind == vendor.KindAuth
		if c.skipUnchanged && !prevSuccess {
			changed = false
		}
	}

	c.scheduleLocked(start, fetchErr)
	var listeners []*listener
	if changed {
		listeners = c.snapshotLocked()
	}
	authFailed := c.authFailed
	c.mu.Unlock()

	elapsed := c.clock.Since(start)
	switch {
	case fetchErr == nil && !prevSuccess:
		c.logger.Info("Fetching data recovered", zap.Duration("duration", elapsed))
	case fetchErr == nil:
		c.logger.Debug("Finished fetching data", zap.Duration("duration", elapsed))
	case prevSuccess:
		c.logger.Error("Error fetching data", zap.Error(fetchErr), zap.Duration("duration", elapsed))
	default:
		c.logger.Debug("Error fetching data", zap.Error(fetchErr), zap.Duration("duration", elapsed))
	}

	if authFailed && c.onAuthFailed != nil {
		c.onAuthFailed(result)
	}

	c.notify(listeners)
	return result
}

// scheduleLocked arms the refresh timer if anyone is listening. Auth failures
// stop the schedule until data is replaced successfully.
func (c *Coordinator[T]) scheduleLocked(from time.Time, lastErr error) {
	if c.shutdown || c.schedule == nil || c.authFailed || len(c.listeners) == 0 {
		return
	}
	c.stopTimerLocked()

	now := c.clock.Now()
	delay := c.schedule.Next(from).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if retryAfter, ok := vendor.RetryAfter(lastErr); ok && retryAfter > delay {
		delay = retryAfter
	}

	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(delay, func() { c.scheduledRefresh(gen) })
}

func (c *Coordinator[T]) scheduledRefresh(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	_ = c.RequestRefresh(context.Background())
}

func (c *Coordinator[T]) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coordinator[T]) snapshotLocked() []*listener {
	out := make([]*listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Coordinator[T]) notify(listeners []*listener) {
	for _, l := range listeners {
		c.mu.RLock()
		removed := l.removed
		c.mu.RUnlock()
		if removed {
			continue
		}
		c.callListener(l.fn)
	}
}

func (c *Coordinator[T]) callListener(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
