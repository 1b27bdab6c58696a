package entry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/internal/command"
	"integrationcore/internal/coordinator"
	"integrationcore/internal/dispatch"
	"integrationcore/internal/entity"
	"integrationcore/internal/platform"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"

	"go.uber.org/zap"
)

// Runtime is handed to a SetupFunc. It carries everything one integration
// instance needs and collects the cleanup to run on unload.
type Runtime struct {
	Config   Config
	Logger   *zap.Logger
	Clock    clock.Clock
	Policy   command.Policy
	Devices  *registry.DeviceRegistry
	Entities *registry.EntityRegistry
	States   *state.Store
	// MQTT is nil when no broker is configured.
	MQTT     Subscriber

	entry    *Entry
	platform *platform.Platform

	mu       sync.Mutex
	onUnload []func()
}

func newRuntime(e *Entry, cfg Config) *Runtime {
	logger := e.svc.Logger.Named(cfg.Domain).With(zap.String("entry_id", cfg.ID))
	states := e.svc.States
	if states == nil {
		states = state.NewStore(e.clock, e.svc.Logger)
	}
	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Clock:    e.clock,
		Policy:   withLogger(e.svc.Policy, logger),
		Devices:  e.svc.Devices,
		Entities: e.svc.Entities,
		States:   states,
		MQTT:     e.svc.MQTT,
		entry:    e,
		platform: platform.New(platform.Options{
			Domain:   cfg.Domain,
			EntryID:  cfg.ID,
			Entities: e.svc.Entities,
			Devices:  e.svc.Devices,
			States:   states,
			Logger:   logger,
		}),
	}
}

func withLogger(p command.Policy, logger *zap.Logger) command.Policy {
	if p.Logger == nil {
		p.Logger = logger
	}
	return p
}

// Platform returns the entity platform of this entry.
func (rt *Runtime) Platform() *platform.Platform {
	return rt.platform
}

// Options returns the entry options.
func (rt *Runtime) Options() Options {
	return rt.Config.Options
}

// Schedule returns the refresh schedule of the entry: the cron expression in
// scan_schedule when set, else every scan_interval (def when unset).
func (rt *Runtime) Schedule(def time.Duration) (coordinator.Schedule, error) {
	if spec := rt.Config.Options.String("scan_schedule"); spec != "" {
		return coordinator.Cron(spec)
	}
	return coordinator.Every(rt.Config.Options.Duration("scan_interval", def)), nil
}

// EntityOptions returns the options every entity of this entry is built with.
// Extra options are appended.
func (rt *Runtime) EntityOptions(extra ...entity.Option) []entity.Option {
	opts := []entity.Option{
		entity.WithPolicy(rt.Policy),
		entity.WithClock(rt.Clock),
		entity.WithLogger(rt.Logger),
	}
	return append(opts, extra...)
}

// OnUnload registers fn to run when the entry unloads. Callbacks run in
// reverse registration order.
func (rt *Runtime) OnUnload(fn func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onUnload = append(rt.onUnload, fn)
}

// StartReauth tells the entry that its credentials were rejected.
func (rt *Runtime) StartReauth(err error) {
	rt.entry.StartReauth(err)
}

// teardown removes entities first, then runs the unload callbacks newest
// first. A panicking callback does not stop the rest.
func (rt *Runtime) teardown() error {
	rt.platform.Reset()

	rt.mu.Lock()
	callbacks := rt.onUnload
	rt.onUnload = nil
	rt.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := runCallback(callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runCallback(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unload callback panicked: %v", r)
		}
	}()
	fn()
	return nil
}

// NewCoordinator builds a coordinator bound to rt: it logs through the entry
// logger, uses the entry clock, starts reauthentication on auth failures and
// shuts down on unload.
func NewCoordinator[T any](rt *Runtime, name string, fetch coordinator.FetchFunc[T], opts coordinator.Options) *coordinator.Coordinator[T] {
	if opts.Clock == nil {
		opts.Clock = rt.Clock
	}
	if opts.Logger == nil {
		opts.Logger = rt.Logger
	}
	onAuth := opts.OnAuthFailed
	opts.OnAuthFailed = func(err error) {
		if onAuth != nil {
			onAuth(err)
		}
		rt.StartReauth(err)
	}

	c := coordinator.New(name, fetch, opts)
	rt.OnUnload(c.Shutdown)
	return c
}

// NewBus builds a dispatch bus owned by rt and closed on unload.
func NewBus[T any](rt *Runtime, opts dispatch.Options) *dispatch.Bus[T] {
	if opts.Logger == nil {
		opts.Logger = rt.Logger
	}
	b := dispatch.New[T](opts)
	rt.OnUnload(b.Close)
	return b
}
