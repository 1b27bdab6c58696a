package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/internal/coordinator"
	"integrationcore/internal/entity"
	"integrationcore/internal/entry"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"
	"integrationcore/internal/store"
	"integrationcore/pkg/vendor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice is the vendor side of the test integration.
type fakeDevice struct {
	mu        sync.Mutex
	version   string
	fetchErr  error
	pressErr  error
	presses   int
	volume    float64
	lastToken string
}

func (d *fakeDevice) fetch(token string) coordinator.FetchFunc[string] {
	return func(context.Context) (string, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.lastToken = token
		if d.fetchErr != nil {
			return "", d.fetchErr
		}
		return d.version, nil
	}
}

func (d *fakeDevice) setup(ctx context.Context, rt *entry.Runtime) error {
	coord := entry.NewCoordinator(rt, "status", d.fetch(rt.Options().String("token")), coordinator.Options{UpdateInterval: time.Minute})
	if err := coord.FirstRefresh(ctx); err != nil {
		return err
	}
	opts := rt.EntityOptions()
	return rt.Platform().AddEntities(ctx, []entity.Entity{
		entity.NewSensor("dev_version", coord, entity.SensorDescription[string]{
			Key:      "version",
			Metadata: entity.Metadata{Name: "Version"},
			Value:    func(v string) (any, bool) { return v, v != "" },
		}, opts...),
		entity.NewButton("dev_restart", coord, entity.ButtonDescription{
			Key:      "restart",
			Metadata: entity.Metadata{Name: "Restart"},
			Press: func(context.Context) error {
				d.mu.Lock()
				defer d.mu.Unlock()
				if d.pressErr != nil {
					return d.pressErr
				}
				d.presses++
				return nil
			},
		}, nil, opts...),
		entity.NewNumber("dev_volume", coord, entity.NumberDescription[string]{
			Key:      "volume",
			Metadata: entity.Metadata{Name: "Volume"},
			Min:      0,
			Max:      10,
			Step:     1,
			Value: func(string) (float64, bool) {
				d.mu.Lock()
				defer d.mu.Unlock()
				return d.volume, true
			},
			SetValue: func(_ context.Context, v float64) error {
				d.mu.Lock()
				defer d.mu.Unlock()
				d.volume = v
				return nil
			},
		}, opts...),
	}, false)
}

type harness struct {
	device  *fakeDevice
	manager *entry.Manager
	states  *state.Store
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	kv := store.NewMemory()
	entities, err := registry.NewEntityRegistry(ctx, kv, nil)
	require.NoError(t, err)
	devices, err := registry.NewDeviceRegistry(ctx, kv, nil)
	require.NoError(t, err)
	states := state.NewStore(clk, nil)

	dev := &fakeDevice{version: "1.0.0", volume: 3}
	manager := entry.NewManager(entry.Services{
		Entities: entities,
		Devices:  devices,
		States:   states,
		Clock:    clk,
		Jitter:   func() time.Duration { return 0 },
	}, func(domain string) (entry.SetupFunc, bool) {
		return dev.setup, domain == "fake"
	})
	_, err = manager.Add(entry.Config{ID: "dev1", Domain: "fake", Title: "Device", Options: entry.Options{"token": "t1"}})
	require.NoError(t, err)
	require.NoError(t, manager.SetupAll(ctx))

	return &harness{
		device:  dev,
		manager: manager,
		states:  states,
		handler: NewServer(manager, states, nil, ":0").Handler(),
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Entries[entry.StateLoaded])
}

func TestStates(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/states", "")
	require.Equal(t, http.StatusOK, w.Code)
	states := decode[[]state.State](t, w)
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.EntityID)
	}
	assert.Equal(t, []string{"button.restart", "number.volume", "sensor.version"}, ids)

	w = h.do(t, http.MethodGet, "/api/states/sensor.version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0.0", decode[state.State](t, w).State)

	w = h.do(t, http.MethodGet, "/api/states/sensor.nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "sensor.nope", decode[ErrorResponse](t, w).EntityID)
}

func TestEntries(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/api/entries", "")

	require.Equal(t, http.StatusOK, w.Code)
	infos := decode[[]entry.Info](t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, "dev1", infos[0].ID)
	assert.Equal(t, "fake", infos[0].Domain)
	assert.Equal(t, entry.StateLoaded, infos[0].State)
}

func TestReload(t *testing.T) {
	h := newHarness(t)

	h.device.mu.Lock()
	h.device.version = "1.1.0"
	h.device.mu.Unlock()

	w := h.do(t, http.MethodPost, "/api/entries/dev1/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entry.StateLoaded, decode[EntryResponse](t, w).Entry.State)
	st, ok := h.states.Get("sensor.version")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", st.State)

	w = h.do(t, http.MethodPost, "/api/entries/missing/reload", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReload_SetupFails(t *testing.T) {
	h := newHarness(t)
	h.device.mu.Lock()
	h.device.fetchErr = vendor.Connection("status", errors.New("connection refused"))
	h.device.mu.Unlock()

	w := h.do(t, http.MethodPost, "/api/entries/dev1/reload", "")
	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[EntryResponse](t, w)
	assert.Equal(t, entry.StateSetupRetry, resp.Entry.State)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestReauth(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/entries/dev1/reauth", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/entries/dev1/reauth", `{"options": {"token": "t2"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entry.StateLoaded, decode[EntryResponse](t, w).Entry.State)

	e, ok := h.manager.Get("dev1")
	require.True(t, ok)
	assert.Equal(t, "t2", e.Config().Options.String("token"))
	h.device.mu.Lock()
	assert.Equal(t, "t2", h.device.lastToken)
	h.device.mu.Unlock()
}

func TestService(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		prepare  func(d *fakeDevice)
		status   int
		errorMsg string
		state    string
	}{
		{
			name:   "press",
			path:   "/api/services/button/press",
			body:   `{"entity_id": "button.restart"}`,
			status: http.StatusOK,
			state:  "2026-03-01T12:00:00Z",
		},
		{
			name:   "set value",
			path:   "/api/services/number/set_value",
			body:   `{"entity_id": "number.volume", "value": 7}`,
			status: http.StatusOK,
			state:  "7",
		},
		{
			name: "device unreachable",
			path: "/api/services/button/press",
			body: `{"entity_id": "button.restart"}`,
			prepare: func(d *fakeDevice) {
				d.pressErr = vendor.Connection("restart", errors.New("i/o timeout"))
			},
			status:   http.StatusBadGateway,
			errorMsg: "device could not be reached",
		},
		{
			name: "device rejects",
			path: "/api/services/button/press",
			body: `{"entity_id": "button.restart"}`,
			prepare: func(d *fakeDevice) {
				d.pressErr = vendor.Request("restart", errors.New("busy"))
			},
			status:   http.StatusBadGateway,
			errorMsg: "device rejected the request: busy",
		},
		{
			name:     "out of range",
			path:     "/api/services/number/set_value",
			body:     `{"entity_id": "number.volume", "value": 11}`,
			status:   http.StatusBadRequest,
			errorMsg: "value 11 is outside the range 0 to 10",
		},
		{
			name:     "missing value",
			path:     "/api/services/number/set_value",
			body:     `{"entity_id": "number.volume"}`,
			status:   http.StatusBadRequest,
			errorMsg: "value is required",
		},
		{
			name:     "unknown entity",
			path:     "/api/services/button/press",
			body:     `{"entity_id": "button.nope"}`,
			status:   http.StatusNotFound,
			errorMsg: "entity not found",
		},
		{
			name:     "wrong platform",
			path:     "/api/services/switch/turn_on",
			body:     `{"entity_id": "button.restart"}`,
			status:   http.StatusBadRequest,
			errorMsg: "entity is a button, not a switch",
		},
		{
			name:     "unknown service",
			path:     "/api/services/sensor/press",
			body:     `{"entity_id": "sensor.version"}`,
			status:   http.StatusBadRequest,
			errorMsg: "unknown service sensor.press",
		},
		{
			name:   "missing entity id",
			path:   "/api/services/button/press",
			body:   `{}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed body",
			path:   "/api/services/button/press",
			body:   `{"entity_id":`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.prepare != nil {
				h.device.mu.Lock()
				tt.prepare(h.device)
				h.device.mu.Unlock()
			}

			w := h.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			if tt.status == http.StatusOK {
				resp := decode[ServiceResponse](t, w)
				require.NotNil(t, resp.State)
				assert.Equal(t, tt.state, resp.State.State)
				return
			}
			if tt.errorMsg != "" {
				assert.Equal(t, tt.errorMsg, decode[ErrorResponse](t, w).Error)
			}
		})
	}
}

func TestServiceFailureLeavesDataAlone(t *testing.T) {
	h := newHarness(t)
	h.device.mu.Lock()
	h.device.pressErr = vendor.Connection("restart", errors.New("reset by peer"))
	h.device.mu.Unlock()

	w := h.do(t, http.MethodPost, "/api/services/button/press", `{"entity_id": "button.restart"}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	st, ok := h.states.Get("sensor.version")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", st.State)
	st, ok = h.states.Get("button.restart")
	require.True(t, ok)
	assert.Equal(t, entity.StateUnknown, st.State)
}

func TestSitemap(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/services/{platform}/{service}")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Len(t, decode[[]Endpoint](t, rec), len(endpoints))

	w = h.do(t, http.MethodGet, "/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	s := NewServer(h.manager, h.states, nil, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
