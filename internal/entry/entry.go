// Package entry runs the lifecycle of configured integration instances:
// setup with retry, unload, reload and reauthentication.
package entry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/internal/command"
	"integrationcore/internal/coordinator"
	"integrationcore/internal/mqtt"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"
	"integrationcore/pkg/vendor"

	"go.uber.org/zap"
)

// State is the lifecycle state of a config entry.
type State string

const (
	StateNotLoaded       State = "not_loaded"
	StateSetupInProgress State = "setup_in_progress"
	StateLoaded          State = "loaded"
	StateSetupRetry      State = "setup_retry"
	StateSetupError      State = "setup_error"
	StateReauthRequired  State = "reauth_required"
	StateFailedUnload    State = "failed_unload"
)

const (
	retryBase     = 5 * time.Second
	maxRetryShift = 4
	jitterMin     = 50 * time.Millisecond
	jitterMax     = 500 * time.Millisecond
)

var (
	// ErrNotReady may be returned by a setup function that has no coordinator
	// but knows the device is temporarily unreachable.
	ErrNotReady = errors.New("integration not ready")

	// ErrInvalidState is returned for lifecycle calls that make no sense in the
	// current state, e.g. Setup on a loaded entry.
	ErrInvalidState = errors.New("invalid config entry state")
)

// SetupFunc sets up one integration instance. It returns an error matching
// coordinator.ErrNotReady or ErrNotReady to request a retry, and an auth
// error to request reauthentication.
type SetupFunc func(ctx context.Context, rt *Runtime) error

// Config is the static description of an entry.
type Config struct {
	ID      string  `yaml:"id" json:"id"`
	Domain  string  `yaml:"domain" json:"domain"`
	Title   string  `yaml:"title" json:"title"`
	Options Options `yaml:"options" json:"options"`
}

// Subscriber subscribes to broker topics. *mqtt.Bridge implements it.
type Subscriber interface {
	Subscribe(filter string, sink mqtt.Sink) (unsubscribe func(), err error)
}

// Services are the shared runtime dependencies handed to every entry.
type Services struct {
	Entities *registry.EntityRegistry
	Devices  *registry.DeviceRegistry
	States   *state.Store
	Policy   command.Policy
	Clock    clock.Clock
	Logger   *zap.Logger

	// MQTT subscribes to broker topics. Nil when no broker is configured.
	MQTT Subscriber

	// OnReauth is told when an entry needs new credentials. Optional.
	OnReauth func(e *Entry, err error)

	// Jitter returns the random part of the setup retry delay. Optional.
	Jitter func() time.Duration
}

// Info is a point-in-time view of an entry.
type Info struct {
	ID     string `json:"entry_id"`
	Domain string `json:"domain"`
	Title  string `json:"title"`
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
	Tries  int    `json:"tries,omitempty"`
}

// Entry is one configured integration instance.
type Entry struct {
	setup  SetupFunc
	svc    Services
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	cfg        Config
	state      State
	reason     string
	tries      int
	retryTimer clock.Timer
	runtime    *Runtime

	// reauth is set when credentials are rejected while setup is still
	// running, and applied once it completes.
	reauth       bool
	reauthReason string
}

// New creates an entry in the not_loaded state.
func New(cfg Config, setup SetupFunc, svc Services) *Entry {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Jitter == nil {
		svc.Jitter = randomJitter
	}
	if cfg.Options == nil {
		cfg.Options = Options{}
	}
	return &Entry{
		setup:  setup,
		svc:    svc,
		clock:  clock.OrReal(svc.Clock),
		logger: svc.Logger.Named("entry").With(zap.String("entry_id", cfg.ID), zap.String("domain", cfg.Domain)),
		cfg:    cfg,
		state:  StateNotLoaded,
	}
}

// ID returns the entry ID.
func (e *Entry) ID() string { return e.cfg.ID }

// Domain returns the integration domain.
func (e *Entry) Domain() string { return e.cfg.Domain }

// Config returns a copy of the entry configuration.
func (e *Entry) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.cfg
	cfg.Options = merge(nil, e.cfg.Options)
	return cfg
}

// State returns the lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Info returns a snapshot of the entry.
func (e *Entry) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Info{
		ID:     e.cfg.ID,
		Domain: e.cfg.Domain,
		Title:  e.cfg.Title,
		State:  e.state,
		Reason: e.reason,
		Tries:  e.tries,
	}
}

// Runtime returns the runtime of a loaded entry, or nil.
func (e *Entry) Runtime() *Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtime
}

// Setup runs the setup function. On a not-ready failure the entry moves to
// setup_retry and schedules another attempt after 5s, 10s, 20s, 40s, then
// every 80s (plus jitter).
func (e *Entry) Setup(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateNotLoaded, StateSetupRetry, StateSetupError:
	default:
		current := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot set up entry in state %s", ErrInvalidState, current)
	}
	e.stopRetryLocked()
	e.state = StateSetupInProgress
	e.reason = ""
	e.reauth = false
	cfg := e.cfg
	e.mu.Unlock()

	e.logger.Info("Setting up config entry", zap.String("title", cfg.Title))
	rt := newRuntime(e, cfg)

	err := e.runSetup(ctx, rt)
	if err != nil {
		if terr := rt.teardown(); terr != nil {
			e.logger.Warn("Failed to clean up after setup failure", zap.Error(terr))
		}
	}

	e.mu.Lock()
	switch {
	case err == nil && e.reauth:
		e.state = StateReauthRequired
		e.reason = e.reauthReason
		e.tries = 0
		e.runtime = rt
		e.reauth = false
		reason := errors.New(e.reason)
		e.mu.Unlock()
		e.logger.Warn("Reauthentication required", zap.Error(reason))
		e.notifyReauth(reason)
		return nil

	case err == nil:
		e.state = StateLoaded
		e.tries = 0
		e.runtime = rt
		e.mu.Unlock()
		e.logger.Info("Config entry loaded")
		return nil

	case isAuth(err):
		e.state = StateReauthRequired
		e.reason = err.Error()
		e.mu.Unlock()
		e.logger.Warn("Authentication failed during setup", zap.Error(err))
		e.notifyReauth(err)

	case isNotReady(err):
		delay := retryDelay(e.tries, e.svc.Jitter())
		e.tries++
		e.state = StateSetupRetry
		e.reason = err.Error()
		e.retryTimer = e.clock.AfterFunc(delay, e.retry)
		tries := e.tries
		e.mu.Unlock()
		e.logger.Warn("Config entry not ready, retrying",
			zap.Duration("retry_in", delay),
			zap.Int("tries", tries),
			zap.Error(err))

	default:
		e.state = StateSetupError
		e.reason = err.Error()
		e.mu.Unlock()
		e.logger.Error("Failed to set up config entry", zap.Error(err))
	}

	return fmt.Errorf("failed to set up %s: %w", cfg.ID, err)
}

func (e *Entry) runSetup(ctx context.Context, rt *Runtime) (err error) {
	if e.setup == nil {
		return fmt.Errorf("no setup function for domain %s", rt.Config.Domain)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v", r)
		}
	}()
	return e.setup(ctx, rt)
}

func (e *Entry) retry() {
	e.mu.Lock()
	if e.state != StateSetupRetry {
		e.mu.Unlock()
		return
	}
	e.retryTimer = nil
	e.mu.Unlock()

	_ = e.Setup(context.Background())
}

func (e *Entry) stopRetryLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// Unload removes every entity and runs the on-unload callbacks in reverse
// registration order. A pending setup retry is cancelled.
func (e *Entry) Unload(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateSetupInProgress:
		e.mu.Unlock()
		return fmt.Errorf("%w: setup in progress", ErrInvalidState)
	case StateNotLoaded, StateSetupRetry, StateSetupError:
		e.stopRetryLocked()
		e.state = StateNotLoaded
		e.reason = ""
		e.mu.Unlock()
		return nil
	}
	rt := e.runtime
	e.runtime = nil
	e.mu.Unlock()

	var err error
	if rt != nil {
		err = rt.teardown()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateFailedUnload
		e.reason = err.Error()
		e.logger.Error("Failed to unload config entry", zap.Error(err))
		return fmt.Errorf("failed to unload %s: %w", e.cfg.ID, err)
	}
	e.state = StateNotLoaded
	e.reason = ""
	e.tries = 0
	e.logger.Info("Config entry unloaded")
	return nil
}

// Reload unloads and sets the entry up again.
func (e *Entry) Reload(ctx context.Context) error {
	if err := e.Unload(ctx); err != nil {
		return err
	}
	return e.Setup(ctx)
}

// StartReauth moves a loaded entry to reauth_required. Entities stay
// registered and render unavailable until new credentials arrive.
func (e *Entry) StartReauth(err error) {
	e.mu.Lock()
	if e.state == StateSetupInProgress {
		e.reauth = true
		if err != nil {
			e.reauthReason = err.Error()
		}
		e.mu.Unlock()
		return
	}
	if e.state != StateLoaded {
		e.mu.Unlock()
		return
	}
	e.state = StateReauthRequired
	if err != nil {
		e.reason = err.Error()
	}
	e.mu.Unlock()

	e.logger.Warn("Reauthentication required", zap.Error(err))
	e.notifyReauth(err)
}

// Reauthenticate merges options (typically new credentials) and reloads.
func (e *Entry) Reauthenticate(ctx context.Context, options Options) error {
	e.mu.Lock()
	e.cfg.Options = merge(e.cfg.Options, options)
	e.mu.Unlock()

	return e.Reload(ctx)
}

func (e *Entry) notifyReauth(err error) {
	if e.svc.OnReauth != nil {
		e.svc.OnReauth(e, err)
	}
}

func isAuth(err error) bool {
	return errors.Is(err, coordinator.ErrAuthFailed) || vendor.IsAuth(err)
}

func isNotReady(err error) bool {
	return errors.Is(err, coordinator.ErrNotReady) || errors.Is(err, ErrNotReady)
}

// retryDelay returns 2^min(tries, 4) * 5s plus jitter.
func retryDelay(tries int, jitter time.Duration) time.Duration {
	shift := tries
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	if shift < 0 {
		shift = 0
	}
	return retryBase*time.Duration(1<<shift) + jitter
}

func randomJitter() time.Duration {
	return jitterMin + rand.N(jitterMax-jitterMin)
}
