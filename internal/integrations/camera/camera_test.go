package camera

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/internal/entity"
	"integrationcore/internal/entry"
	"integrationcore/internal/mqtt"
	"integrationcore/internal/registry"
	"integrationcore/internal/state"
	"integrationcore/internal/store"
	"integrationcore/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeChannel struct {
	Index  int
	Name   string
	Online bool
	UID    string
	Motion bool
	Zoom   *Zoom
}

type ptzCall struct {
	Channel int
	Op      string
	Speed   int
}

// fakeCamera serves the batched CGI API from in-memory state.
type fakeCamera struct {
	server *httptest.Server

	mu       sync.Mutex
	password string
	info     HostInfo
	channels []fakeChannel
	down     bool
	reject   map[string]int
	ptz      []ptzCall
	zooms    []int
	batches  int
}

func newFakeCamera(t *testing.T, info HostInfo, channels ...fakeChannel) *fakeCamera {
	t.Helper()
	f := &fakeCamera{password: "pw", info: info, channels: channels, reject: make(map[string]int)}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCamera) update(fn func(f *fakeCamera)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type rawCommand struct {
	Cmd    string          `json:"cmd"`
	Action int             `json:"action"`
	Param  json.RawMessage `json:"param"`
}

func (f *fakeCamera) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.URL.Path != apiPath {
		http.NotFound(w, r)
		return
	}
	f.batches++

	var cmds []rawCommand
	if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	loggedIn := r.URL.Query().Get("password") == f.password
	results := make([]map[string]interface{}, 0, len(cmds))
	for _, c := range cmds {
		if !loggedIn {
			results = append(results, failure(c.Cmd, "login failed", rspLoginFailed))
			continue
		}
		if code, ok := f.reject[c.Cmd]; ok {
			results = append(results, failure(c.Cmd, "rejected", code))
			continue
		}
		results = append(results, f.handle(c))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

func failure(cmd, detail string, rsp int) map[string]interface{} {
	return map[string]interface{}{
		"cmd":   cmd,
		"code":  1,
		"error": map[string]interface{}{"detail": detail, "rspCode": rsp},
	}
}

func success(cmd string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"cmd": cmd, "code": 0, "value": value}
}

func (f *fakeCamera) channel(idx int) *fakeChannel {
	for i := range f.channels {
		if f.channels[i].Index == idx {
			return &f.channels[i]
		}
	}
	return nil
}

func (f *fakeCamera) handle(c rawCommand) map[string]interface{} {
	var param struct {
		Channel   int    `json:"channel"`
		Op        string `json:"op"`
		Speed     int    `json:"speed"`
		ZoomFocus struct {
			Channel int `json:"channel"`
			Pos     int `json:"pos"`
		} `json:"ZoomFocus"`
	}
	_ = json.Unmarshal(c.Param, &param)

	switch c.Cmd {
	case "GetDevInfo":
		return success(c.Cmd, map[string]interface{}{"DevInfo": f.info})
	case "GetChannelstatus":
		status := make([]map[string]interface{}, 0, len(f.channels))
		for _, ch := range f.channels {
			online := 0
			if ch.Online {
				online = 1
			}
			status = append(status, map[string]interface{}{
				"channel": ch.Index, "name": ch.Name, "online": online, "uid": ch.UID, "typeInfo": "RLC-810A",
			})
		}
		return success(c.Cmd, map[string]interface{}{"count": len(status), "status": status})
	case "GetMdState":
		ch := f.channel(param.Channel)
		md := 0
		if ch != nil && ch.Motion {
			md = 1
		}
		return success(c.Cmd, map[string]int{"state": md})
	case "GetZoomFocus":
		ch := f.channel(param.Channel)
		if ch == nil || ch.Zoom == nil {
			return failure(c.Cmd, "not support", -9)
		}
		res := success(c.Cmd, map[string]interface{}{
			"ZoomFocus": map[string]interface{}{"channel": ch.Index, "zoom": map[string]int{"pos": ch.Zoom.Pos}},
		})
		res["range"] = map[string]interface{}{
			"ZoomFocus": map[string]interface{}{"zoom": map[string]interface{}{"pos": map[string]int{"min": ch.Zoom.Min, "max": ch.Zoom.Max}}},
		}
		return res
	case "PtzCtrl":
		f.ptz = append(f.ptz, ptzCall{Channel: param.Channel, Op: param.Op, Speed: param.Speed})
		return success(c.Cmd, map[string]int{"rspCode": 200})
	case "StartZoomFocus":
		f.zooms = append(f.zooms, param.ZoomFocus.Pos)
		if ch := f.channel(param.ZoomFocus.Channel); ch != nil && ch.Zoom != nil {
			ch.Zoom.Pos = param.ZoomFocus.Pos
		}
		return success(c.Cmd, map[string]int{"rspCode": 200})
	default:
		return failure(c.Cmd, "unknown command", -1)
	}
}

func (f *fakeCamera) ptzCalls() []ptzCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ptzCall(nil), f.ptz...)
}

// fakeBroker records MQTT subscriptions.
type fakeBroker struct {
	mu           sync.Mutex
	sinks        map[string]mqtt.Sink
	unsubscribed []string
}

func (b *fakeBroker) Subscribe(filter string, sink mqtt.Sink) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sinks == nil {
		b.sinks = make(map[string]mqtt.Sink)
	}
	b.sinks[filter] = sink
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.sinks, filter)
		b.unsubscribed = append(b.unsubscribed, filter)
	}, nil
}

func (b *fakeBroker) deliver(filter, topic, payload string) {
	b.mu.Lock()
	sink := b.sinks[filter]
	b.mu.Unlock()
	if sink != nil {
		sink(topic, []byte(payload))
	}
}

type harness struct {
	camera *fakeCamera
	clock  *clock.MockClock
	svc    entry.Services
}

func newHarness(t *testing.T, cam *fakeCamera) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewMockClock(start)
	kv := store.NewMemory()
	entities, err := registry.NewEntityRegistry(ctx, kv, nil)
	require.NoError(t, err)
	devices, err := registry.NewDeviceRegistry(ctx, kv, nil)
	require.NoError(t, err)
	return &harness{
		camera: cam,
		clock:  clk,
		svc: entry.Services{
			Entities: entities,
			Devices:  devices,
			States:   state.NewStore(clk, nil),
			Clock:    clk,
			Jitter:   func() time.Duration { return 0 },
		},
	}
}

func (h *harness) entry(title string, extra entry.Options) *entry.Entry {
	opts := entry.Options{"url": h.camera.server.URL, "username": "admin", "password": "pw"}
	for k, v := range extra {
		opts[k] = v
	}
	return entry.New(entry.Config{ID: "cam1", Domain: Domain, Title: title, Options: opts}, Setup, h.svc)
}

func (h *harness) state(entityID string) string {
	st, ok := h.svc.States.Get(entityID)
	if !ok {
		return ""
	}
	return st.State
}

func singleCamera(t *testing.T) *fakeCamera {
	return newFakeCamera(t,
		HostInfo{Model: "RLC-823A", Name: "Front Door", Serial: "SN1", FirmVer: "v3.1.0", ChannelNum: 1},
		fakeChannel{Index: 0, Name: "Front Door", Online: true, Zoom: &Zoom{Pos: 2, Min: 0, Max: 33}},
	)
}

func TestSetup_SingleCamera(t *testing.T) {
	h := newHarness(t, singleCamera(t))
	e := h.entry("Front Door", nil)
	require.NoError(t, e.Setup(context.Background()))
	assert.Equal(t, entry.StateLoaded, e.State())

	assert.Equal(t, "v3.1.0", h.state("sensor.front_door_firmware"))
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.front_door_online"))
	assert.Equal(t, entity.StateOff, h.state("binary_sensor.front_door_motion"))
	assert.Equal(t, "2", h.state("number.front_door_zoom"))
	for _, id := range []string{"up", "down", "left", "right", "stop"} {
		assert.Equal(t, entity.StateUnknown, h.state("button.front_door_ptz_"+id), id)
	}

	entityID, ok := h.svc.Entities.Lookup(Domain, string(entity.KindBinarySensor), "SN1_0_motion")
	require.True(t, ok)
	assert.Equal(t, "binary_sensor.front_door_motion", entityID)

	d, ok := h.svc.Devices.Lookup(Domain, "SN1")
	require.True(t, ok)
	assert.Equal(t, "Reolink", d.Info.Manufacturer)
	assert.Equal(t, "RLC-823A", d.Info.Model)
	assert.Len(t, h.svc.Devices.ForEntry("cam1"), 1, "a single camera is one device")
}

func TestSetup_Failures(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(f *fakeCamera)
		options  entry.Options
		expected entry.State
	}{
		{
			name:     "host down",
			prepare:  func(f *fakeCamera) { f.down = true },
			expected: entry.StateSetupRetry,
		},
		{
			name:     "wrong password",
			prepare:  func(f *fakeCamera) { f.password = "other" },
			expected: entry.StateReauthRequired,
		},
		{
			name:     "mqtt without broker",
			prepare:  func(*fakeCamera) {},
			options:  entry.Options{"mqtt_topic": "reolink/front"},
			expected: entry.StateSetupError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := singleCamera(t)
			cam.update(tt.prepare)
			h := newHarness(t, cam)

			e := h.entry("Front Door", tt.options)
			require.Error(t, e.Setup(context.Background()))
			assert.Equal(t, tt.expected, e.State())
			assert.Empty(t, h.svc.States.All())
		})
	}
}

func TestPTZButtons(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", entry.Options{"ptz_speed": 10})
	ctx := context.Background()
	require.NoError(t, e.Setup(ctx))

	tests := []struct {
		entityID string
		op       string
	}{
		{"button.front_door_ptz_up", PTZUp},
		{"button.front_door_ptz_down", PTZDown},
		{"button.front_door_ptz_left", PTZLeft},
		{"button.front_door_ptz_right", PTZRight},
		{"button.front_door_ptz_stop", PTZStop},
	}

	for i, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			ent, ok := e.Runtime().Platform().Lookup(tt.entityID)
			require.True(t, ok)
			require.NoError(t, ent.(entity.Presser).Press(ctx))

			calls := cam.ptzCalls()
			require.Len(t, calls, i+1)
			assert.Equal(t, ptzCall{Channel: 0, Op: tt.op, Speed: 10}, calls[i])
			assert.Equal(t, start.Format(time.RFC3339), h.state(tt.entityID))
		})
	}
}

func TestPTZButton_CameraRejects(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", nil)
	ctx := context.Background()
	require.NoError(t, e.Setup(ctx))
	cam.update(func(f *fakeCamera) { f.reject["PtzCtrl"] = -1 })

	ent, ok := e.Runtime().Platform().Lookup("button.front_door_ptz_up")
	require.True(t, ok)
	err := ent.(entity.Presser).Press(ctx)

	var cerr *entity.CommandError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, entity.StateUnknown, h.state("button.front_door_ptz_up"))
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.front_door_online"), "command failure does not touch availability")
}

func TestZoomNumber(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", nil)
	ctx := context.Background()
	require.NoError(t, e.Setup(ctx))

	ent, ok := e.Runtime().Platform().Lookup("number.front_door_zoom")
	require.True(t, ok)
	zoom := ent.(entity.ValueSetter)

	require.NoError(t, zoom.SetValue(ctx, 12))
	assert.Equal(t, "12", h.state("number.front_door_zoom"))
	assert.Equal(t, float64(33), ent.Attributes()["max"])

	var cerr *entity.CommandError
	require.True(t, errors.As(zoom.SetValue(ctx, 40), &cerr))

	cam.mu.Lock()
	assert.Equal(t, []int{12}, cam.zooms)
	cam.mu.Unlock()

	h.clock.Advance(DefaultScanInterval)
	assert.Equal(t, "12", h.state("number.front_door_zoom"), "polled position matches the written one")
}

func TestChannelOffline(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", nil)
	require.NoError(t, e.Setup(context.Background()))

	cam.update(func(f *fakeCamera) { f.channels[0].Online = false })
	h.clock.Advance(DefaultScanInterval)

	assert.Equal(t, entity.StateOff, h.state("binary_sensor.front_door_online"))
	assert.Equal(t, entity.StateUnavailable, h.state("binary_sensor.front_door_motion"))
	assert.Equal(t, entity.StateUnavailable, h.state("button.front_door_ptz_up"))
	assert.Equal(t, "v3.1.0", h.state("sensor.front_door_firmware"))
}

func TestHostOutage(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", nil)
	require.NoError(t, e.Setup(context.Background()))

	cam.update(func(f *fakeCamera) { f.down = true })
	h.clock.Advance(DefaultScanInterval)

	for _, id := range []string{"sensor.front_door_firmware", "binary_sensor.front_door_online", "binary_sensor.front_door_motion", "number.front_door_zoom"} {
		assert.Equal(t, entity.StateUnavailable, h.state(id), id)
	}
	assert.Len(t, h.svc.States.All(), 9, "entities stay registered during an outage")

	cam.update(func(f *fakeCamera) { f.down = false })
	h.clock.Advance(DefaultScanInterval)
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.front_door_online"))
	assert.Equal(t, entity.StateOff, h.state("binary_sensor.front_door_motion"))
}

func TestPasswordChangedWhileRunning(t *testing.T) {
	cam := singleCamera(t)
	h := newHarness(t, cam)
	e := h.entry("Front Door", nil)
	require.NoError(t, e.Setup(context.Background()))

	cam.update(func(f *fakeCamera) { f.password = "rotated" })
	h.clock.Advance(DefaultScanInterval)
	assert.Equal(t, entry.StateReauthRequired, e.State())

	require.NoError(t, e.Reauthenticate(context.Background(), entry.Options{"password": "rotated"}))
	assert.Equal(t, entry.StateLoaded, e.State())
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.front_door_online"))
}

func TestNVRChannelSync(t *testing.T) {
	cam := newFakeCamera(t,
		HostInfo{Model: "RLN8-410", Name: "NVR", Serial: "NVR1", FirmVer: "v3.3.0", ChannelNum: 8},
		fakeChannel{Index: 0, Name: "Driveway", Online: true, UID: "CAM0"},
		fakeChannel{Index: 1, Name: "Garden", Online: true, UID: "CAM1"},
	)
	h := newHarness(t, cam)
	e := h.entry("NVR", nil)
	require.NoError(t, e.Setup(context.Background()))

	assert.Equal(t, entity.StateOn, h.state("binary_sensor.driveway_online"))
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.garden_online"))
	assert.Empty(t, h.state("number.driveway_zoom"), "no lens, no zoom")

	d, ok := h.svc.Devices.Lookup(Domain, "CAM0")
	require.True(t, ok)
	assert.Equal(t, "camera:NVR1", d.ViaDeviceID)

	cam.update(func(f *fakeCamera) {
		f.channels = []fakeChannel{
			{Index: 0, Name: "Driveway", Online: true, UID: "CAM0", Zoom: &Zoom{Pos: 1, Max: 10}},
			{Index: 2, Name: "Porch", Online: true, UID: "CAM2"},
		}
	})
	h.clock.Advance(DefaultScanInterval)

	assert.Equal(t, entity.StateOn, h.state("binary_sensor.porch_online"))
	assert.Empty(t, h.state("binary_sensor.garden_online"), "removed channel entities are gone")
	_, ok = h.svc.Entities.Lookup(Domain, string(entity.KindBinarySensor), "NVR1_1_online")
	assert.False(t, ok, "removed channel entities leave the registry")
	assert.Equal(t, "1", h.state("number.driveway_zoom"), "a channel gaining a lens gets PTZ entities")
	assert.Equal(t, entity.StateUnknown, h.state("button.driveway_ptz_up"))
}

func TestMotionOverWebsocket(t *testing.T) {
	events := testutil.NewMockEventServer("token")
	defer events.Close()

	h := newHarness(t, singleCamera(t))
	e := h.entry("Front Door", entry.Options{"push_url": events.URL(), "push_token": "token"})
	ctx := context.Background()
	require.NoError(t, e.Setup(ctx))

	require.True(t, events.WaitForConnection(2*time.Second))
	require.Eventually(t, func() bool {
		return h.state("binary_sensor.front_door_motion") == entity.StateOff
	}, 2*time.Second, 5*time.Millisecond, "motion becomes available once the stream is up")

	events.Publish("motion", map[string]interface{}{"channel": 0, "motion": true})
	require.Eventually(t, func() bool {
		return h.state("binary_sensor.front_door_motion") == entity.StateOn
	}, 2*time.Second, 5*time.Millisecond)

	st, ok := h.svc.States.Get("binary_sensor.front_door_motion")
	require.True(t, ok)
	assert.Equal(t, start.Format(time.RFC3339), st.Attributes["last_event"])

	events.Publish("doorbell", map[string]interface{}{"channel": 0})
	events.Publish("motion", map[string]interface{}{"channel": 5, "motion": true})

	events.RejectNextDials(1000)
	events.DropConnections()
	require.Eventually(t, func() bool {
		return h.state("binary_sensor.front_door_motion") == entity.StateUnavailable
	}, 2*time.Second, 5*time.Millisecond, "motion is unavailable while the stream is down")
	assert.Equal(t, entity.StateOn, h.state("binary_sensor.front_door_online"))

	require.NoError(t, e.Unload(ctx))
	assert.Empty(t, h.svc.States.All())
}

func TestMotionStreamRejectsToken(t *testing.T) {
	events := testutil.NewMockEventServer("token")
	defer events.Close()

	h := newHarness(t, singleCamera(t))
	e := h.entry("Front Door", entry.Options{"push_url": events.URL(), "push_token": "stale"})
	require.NoError(t, e.Setup(context.Background()))

	require.Eventually(t, func() bool {
		return e.State() == entry.StateReauthRequired
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMotionOverMQTT(t *testing.T) {
	broker := &fakeBroker{}
	h := newHarness(t, singleCamera(t))
	h.svc.MQTT = broker

	e := h.entry("Front Door", entry.Options{"mqtt_topic": "reolink/front/"})
	ctx := context.Background()
	require.NoError(t, e.Setup(ctx))

	const filter = "reolink/front/+/motion"
	broker.deliver(filter, "reolink/front/0/motion", "ON")
	require.Eventually(t, func() bool {
		return h.state("binary_sensor.front_door_motion") == entity.StateOn
	}, 2*time.Second, 5*time.Millisecond)

	broker.deliver(filter, "reolink/front/0/motion", "maybe")
	broker.deliver(filter, "reolink/front/x/motion", "ON")
	broker.deliver(filter, "reolink/front/0/motion", "off")
	require.Eventually(t, func() bool {
		return h.state("binary_sensor.front_door_motion") == entity.StateOff
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Unload(ctx))
	assert.Equal(t, []string{filter}, broker.unsubscribed)
}
