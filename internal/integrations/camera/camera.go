// Package camera integrates a Reolink-style camera or NVR: a host
// coordinator polls channel status, every channel gets an online sensor,
// PTZ buttons and a zoom control, and motion arrives as push events over a
// websocket stream or MQTT.
package camera

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"integrationcore/internal/coordinator"
	"integrationcore/internal/dispatch"
	"integrationcore/internal/entity"
	"integrationcore/internal/entry"
	"integrationcore/internal/httpclient"
	"integrationcore/internal/push"
	"integrationcore/internal/registry"
	"integrationcore/pkg/integration"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	Domain = "camera"

	DefaultScanInterval = time.Minute
	DefaultPTZSpeed     = 32
	manufacturer        = "Reolink"
)

var ptzOps = []string{PTZUp, PTZDown, PTZLeft, PTZRight, PTZStop}

func init() {
	integration.MustRegister(integration.Integration{
		Domain:      Domain,
		Name:        "Camera",
		Description: "Reolink-style cameras and NVRs with PTZ control and push motion",
		Priority:    integration.PriorityDefault,
		Order:       50,
		Setup:       Setup,
	})
}

// MotionEvent is published on the entry bus for every motion change.
type MotionEvent struct {
	Channel int
	Motion  bool
	At      time.Time
}

func motionTopic(ch int) string {
	return fmt.Sprintf("motion_%d", ch)
}

// host is one set-up camera or NVR.
type host struct {
	rt       *entry.Runtime
	client   *Client
	coord    *coordinator.Coordinator[HostData]
	bus      *dispatch.Bus[MotionEvent]
	stream   *push.Stream
	prefix   string
	ptzSpeed int

	mu    sync.Mutex
	known []string
	// lenses holds the zoom range of every channel seen with a lens. An
	// offline channel reports none and keeps the last one seen.
	lenses map[int]Zoom
}

// Setup connects to the camera and adds its entities.
//
// Options: url and username (required), password, scan_interval or
// scan_schedule (cron), ptz_speed, push_url and push_token for a websocket
// event stream, and mqtt_topic for motion over MQTT
// (<mqtt_topic>/<channel>/motion with ON/OFF payloads).
func Setup(ctx context.Context, rt *entry.Runtime) error {
	opts := rt.Options()
	if err := opts.Require("url", "username"); err != nil {
		return err
	}
	mqttTopic := strings.TrimSuffix(opts.String("mqtt_topic"), "/")
	if mqttTopic != "" && rt.MQTT == nil {
		return fmt.Errorf("option mqtt_topic is set but no MQTT broker is configured")
	}
	schedule, err := rt.Schedule(DefaultScanInterval)
	if err != nil {
		return err
	}

	client, err := NewClient(ClientOptions{
		Options: httpclient.Options{
			BaseURL: opts.String("url"),
			Timeout: opts.Duration("timeout", httpclient.DefaultTimeout),
			Clock:   rt.Clock,
			Logger:  rt.Logger,
		},
		Username: opts.String("username"),
		Password: opts.String("password"),
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	h := &host{
		rt:       rt,
		client:   client,
		ptzSpeed: opts.Int("ptz_speed", DefaultPTZSpeed),
		lenses:   make(map[int]Zoom),
	}
	h.coord = entry.NewCoordinator(rt, Domain, client.Fetch, coordinator.Options{
		Schedule: schedule,
	})
	if err := h.coord.FirstRefresh(ctx); err != nil {
		return err
	}

	data := h.coord.Data()
	h.prefix = lo.Ternary(data.Host.Serial != "", data.Host.Serial, rt.Config.ID)
	h.bus = entry.NewBus[MotionEvent](rt, dispatch.Options{})

	if pushURL := opts.String("push_url"); pushURL != "" {
		h.stream = push.New(push.Options{
			URL:                pushURL,
			Token:              opts.String("push_token"),
			OnConnectionChange: h.onConnectionChange,
			OnError:            rt.StartReauth,
			Clock:              rt.Clock,
			Logger:             rt.Logger,
		}, h.handleEvent)
	}

	rt.Logger.Info("Connected to camera host",
		zap.String("model", data.Host.Model),
		zap.String("firmware", data.Host.FirmVer),
		zap.Int("channels", len(data.Channels)))

	h.observe(data)
	if err := rt.Platform().AddEntities(ctx, h.entities(data), false); err != nil {
		return err
	}
	rt.OnUnload(h.coord.AddListener(h.onHostUpdate))

	if h.stream != nil {
		rt.OnUnload(h.stream.Start(context.Background()))
	}
	if mqttTopic != "" {
		unsubscribe, err := rt.MQTT.Subscribe(mqttTopic+"/+/motion", h.handleMQTT)
		if err != nil {
			return fmt.Errorf("failed to subscribe to motion topic: %w", err)
		}
		rt.OnUnload(unsubscribe)
	}
	return nil
}

// entities builds the host entities plus every channel in data.
func (h *host) entities(data HostData) []entity.Entity {
	hostDevice := h.hostDevice(data.Host)
	ents := []entity.Entity{
		entity.NewSensor(h.prefix+"_firmware", h.coord, entity.SensorDescription[HostData]{
			Key: "firmware",
			Metadata: entity.Metadata{
				Name:     "Firmware",
				Icon:     "mdi:chip",
				Category: entity.CategoryDiagnostic,
			},
			Value: func(d HostData) (any, bool) { return d.Host.FirmVer, d.Host.FirmVer != "" },
		}, h.rt.EntityOptions(entity.WithDevice(hostDevice))...),
	}
	for _, ch := range data.Channels {
		ents = append(ents, h.channelEntities(data.Host, ch)...)
	}
	return ents
}

func (h *host) channelEntities(info HostInfo, ch Channel) []entity.Entity {
	idx := ch.Index
	uid := func(key string) string { return fmt.Sprintf("%s_%d_%s", h.prefix, idx, key) }
	opts := h.rt.EntityOptions(entity.WithDevice(h.channelDevice(info, ch)))
	online := func(d HostData) bool {
		c, ok := d.Channel(idx)
		return ok && c.Online
	}

	ents := []entity.Entity{
		entity.NewBinarySensor(uid("online"), h.coord, entity.BinarySensorDescription[HostData]{
			Key: "online",
			Metadata: entity.Metadata{
				Name:        "Online",
				DeviceClass: "connectivity",
				Category:    entity.CategoryDiagnostic,
			},
			IsOn: func(d HostData) (bool, bool) {
				c, ok := d.Channel(idx)
				return c.Online, ok
			},
		}, opts...),
		entity.NewPushBinarySensor(uid("motion"), h.bus, motionTopic(idx), entity.PushBinarySensorDescription[MotionEvent]{
			Key:      "motion",
			Metadata: entity.Metadata{Name: "Motion", DeviceClass: "motion"},
			IsOn:     func(ev MotionEvent) (bool, bool) { return ev.Motion, true },
			Attributes: func(ev MotionEvent) map[string]any {
				if ev.At.IsZero() {
					return nil
				}
				return map[string]any{"last_event": ev.At.UTC().Format(time.RFC3339)}
			},
			Initial: func() (MotionEvent, bool) {
				d, ok := h.coord.DataOK()
				if !ok {
					return MotionEvent{}, false
				}
				c, ok := d.Channel(idx)
				return MotionEvent{Channel: idx, Motion: c.Motion}, ok && c.Online
			},
		}, func() bool { return h.channelAvailable(idx) }, opts...),
	}

	lens, ok := h.lens(idx)
	if !ok {
		return ents
	}
	for _, op := range ptzOps {
		ents = append(ents, entity.NewButton(uid("ptz_"+strings.ToLower(op)), h.coord, entity.ButtonDescription{
			Key:      "ptz_" + strings.ToLower(op),
			Metadata: entity.Metadata{Name: "PTZ " + strings.ToLower(op), Icon: ptzIcon(op)},
			Press: func(ctx context.Context) error {
				return h.client.PTZ(ctx, idx, op, h.ptzSpeed)
			},
		}, online, opts...))
	}
	ents = append(ents, entity.NewNumber(uid("zoom"), h.coord, entity.NumberDescription[HostData]{
		Key:      "zoom",
		Metadata: entity.Metadata{Name: "Zoom", Icon: "mdi:magnify"},
		Min:      float64(lens.Min),
		Max:      float64(lens.Max),
		Step:     1,
		Value: func(d HostData) (float64, bool) {
			c, ok := d.Channel(idx)
			if !ok || c.Zoom == nil {
				return 0, false
			}
			return float64(c.Zoom.Pos), true
		},
		SetValue: func(ctx context.Context, v float64) error {
			return h.client.SetZoom(ctx, idx, int(v))
		},
		Online: online,
	}, opts...))
	return ents
}

func (h *host) hostDevice(info HostInfo) registry.DeviceInfo {
	name := lo.Ternary(h.rt.Config.Title != "", h.rt.Config.Title, info.Name)
	return registry.DeviceInfo{
		SerialNumber: h.prefix,
		Name:         name,
		Manufacturer: manufacturer,
		Model:        info.Model,
		SWVersion:    info.FirmVer,
	}
}

// channelDevice is the host itself for a single camera, and a device behind
// the host for an NVR channel.
func (h *host) channelDevice(info HostInfo, ch Channel) registry.DeviceInfo {
	if !info.IsNVR() {
		return h.hostDevice(info)
	}
	serial := lo.Ternary(ch.UID != "", ch.UID, fmt.Sprintf("%s_ch%d", h.prefix, ch.Index))
	return registry.DeviceInfo{
		SerialNumber: serial,
		Name:         ch.Name,
		Manufacturer: manufacturer,
		Model:        ch.Model,
		ViaDevice:    h.prefix,
	}
}

func (h *host) channelAvailable(ch int) bool {
	if h.stream != nil && !h.stream.Connected() {
		return false
	}
	if !h.coord.LastUpdateSuccess() {
		return false
	}
	d, ok := h.coord.DataOK()
	if !ok {
		return false
	}
	c, ok := d.Channel(ch)
	return ok && c.Online
}

// onHostUpdate runs after every host refresh. Push entities do not listen
// to the coordinator, so they are re-rendered here to follow channel
// availability; a changed channel list is synchronized first.
func (h *host) onHostUpdate() {
	if h.coord.LastUpdateSuccess() {
		h.syncChannels()
	}
	for _, e := range h.rt.Platform().Entities() {
		if _, isPush := e.(interface{ Topic() string }); isPush {
			h.rt.Platform().WriteState(e)
		}
	}
}

// syncChannels adds and removes channel entities when the channel list of
// the host, or the capabilities of a channel, change.
func (h *host) syncChannels() {
	data, ok := h.coord.DataOK()
	if !ok {
		return
	}
	current, changed := h.observe(data)
	if !changed {
		return
	}

	res, err := h.rt.Platform().Sync(context.Background(), h.entities(data), false)
	if err != nil {
		h.rt.Logger.Error("Failed to synchronize channel entities", zap.Error(err))
		return
	}
	h.rt.Logger.Info("Camera channels changed",
		zap.Strings("channels", current),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)))
}

func (h *host) onConnectionChange(connected bool) {
	h.rt.Logger.Info("Camera event stream connection changed", zap.Bool("connected", connected))
	h.rt.Platform().WriteAllStates()
}

type motionPayload struct {
	Channel int  `json:"channel"`
	Motion  bool `json:"motion"`
}

func (h *host) handleEvent(ev push.Event) {
	if ev.Topic != "motion" {
		return
	}
	var p motionPayload
	if err := ev.Decode(&p); err != nil {
		h.rt.Logger.Warn("Dropping malformed motion event", zap.Error(err))
		return
	}
	h.publishMotion(p.Channel, p.Motion)
}

// handleMQTT accepts <prefix>/<channel>/motion with ON/OFF payloads.
func (h *host) handleMQTT(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return
	}
	var ch int
	if _, err := fmt.Sscanf(parts[len(parts)-2], "%d", &ch); err != nil {
		h.rt.Logger.Warn("Ignoring motion message for unknown channel", zap.String("topic", topic))
		return
	}
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		h.publishMotion(ch, true)
	case "OFF", "0", "FALSE":
		h.publishMotion(ch, false)
	default:
		h.rt.Logger.Warn("Ignoring motion message with unknown payload",
			zap.String("topic", topic),
			zap.ByteString("payload", payload))
	}
}

func (h *host) publishMotion(ch int, motion bool) {
	h.bus.Publish(motionTopic(ch), MotionEvent{Channel: ch, Motion: motion, At: h.rt.Clock.Now()})
}

// observe records the lenses in data and reports whether the entity set
// changed. Keys are the channel index plus ":ptz" for channels with a lens.
func (h *host) observe(data HostData) (keys []string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	present := make(map[int]bool, len(data.Channels))
	for _, c := range data.Channels {
		present[c.Index] = true
		switch {
		case c.Zoom != nil:
			h.lenses[c.Index] = *c.Zoom
		case c.Online:
			delete(h.lenses, c.Index)
		}
	}
	for idx := range h.lenses {
		if !present[idx] {
			delete(h.lenses, idx)
		}
	}

	keys = lo.Map(data.Channels, func(c Channel, _ int) string {
		if _, ok := h.lenses[c.Index]; ok {
			return fmt.Sprintf("%d:ptz", c.Index)
		}
		return strconv.Itoa(c.Index)
	})
	sort.Strings(keys)
	changed = !slices.Equal(h.known, keys)
	h.known = keys
	return keys, changed
}

func (h *host) lens(ch int) (Zoom, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	z, ok := h.lenses[ch]
	return z, ok
}

func ptzIcon(op string) string {
	switch op {
	case PTZUp:
		return "mdi:pan-up"
	case PTZDown:
		return "mdi:pan-down"
	case PTZLeft:
		return "mdi:pan-left"
	case PTZRight:
		return "mdi:pan-right"
	default:
		return "mdi:stop"
	}
}
