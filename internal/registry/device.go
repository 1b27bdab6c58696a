// Package registry keeps the persistent device and entity records that map
// vendor identities onto stable runtime identifiers.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"integrationcore/internal/store"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const devicePrefix = "device/"

// ErrNoIdentifier is returned for a device with no serial, MAC or name.
var ErrNoIdentifier = errors.New("device has no identifier")

// DeviceInfo is what an integration knows about a physical device.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number,omitempty"`
	MAC          string `json:"mac,omitempty"`
	Name         string `json:"name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`
	// ViaDevice is the identifier of the hub this device is reached through.
	ViaDevice string `json:"via_device,omitempty"`
}

// Identifier picks the stable identity: serial number, else MAC, else name.
func (d DeviceInfo) Identifier() string {
	switch {
	case d.SerialNumber != "":
		return d.SerialNumber
	case d.MAC != "":
		return strings.ToLower(d.MAC)
	default:
		return d.Name
	}
}

// Device is a registered device record.
type Device struct {
	ID            string     `json:"id"`
	Domain        string     `json:"domain"`
	Identifier    string     `json:"identifier"`
	Info          DeviceInfo `json:"info"`
	ConfigEntries []string   `json:"config_entries"`
	ViaDeviceID   string     `json:"via_device_id,omitempty"`
}

// DeviceRegistry owns device records keyed by (domain, identifier).
type DeviceRegistry struct {
	kv     store.KV
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewDeviceRegistry loads every persisted device from kv.
func NewDeviceRegistry(ctx context.Context, kv store.KV, logger *zap.Logger) (*DeviceRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &DeviceRegistry{
		kv:      kv,
		logger:  logger.Named("device_registry"),
		devices: make(map[string]*Device),
	}

	records, err := kv.List(ctx, devicePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	for key, raw := range records {
		var d Device
		if err := json.Unmarshal(raw, &d); err != nil {
			r.logger.Warn("Skipping unreadable device record", zap.String("key", key), zap.Error(err))
			continue
		}
		r.devices[d.ID] = &d
	}
	return r, nil
}

func deviceID(domain, identifier string) string {
	return domain + ":" + identifier
}

// GetOrCreate registers info for entryID, merging it into an existing record
// with the same identifier.
func (r *DeviceRegistry) GetOrCreate(ctx context.Context, entryID, domain string, info DeviceInfo) (Device, error) {
	identifier := info.Identifier()
	if identifier == "" {
		return Device{}, ErrNoIdentifier
	}
	id := deviceID(domain, identifier)

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		d = &Device{ID: id, Domain: domain, Identifier: identifier}
		r.logger.Info("Registering device", zap.String("device_id", id), zap.String("name", info.Name))
	}
	d.Info = mergeInfo(d.Info, info)
	d.ConfigEntries = lo.Uniq(append(d.ConfigEntries, entryID))
	if info.ViaDevice != "" {
		d.ViaDeviceID = deviceID(domain, info.ViaDevice)
	}

	if err := store.PutJSON(ctx, r.kv, devicePrefix+id, d); err != nil {
		return Device{}, fmt.Errorf("failed to save device %s: %w", id, err)
	}
	r.devices[id] = d
	return copyDevice(d), nil
}

// Lookup finds a device by domain and identifier.
func (r *DeviceRegistry) Lookup(domain, identifier string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID(domain, identifier)]
	if !ok {
		return Device{}, false
	}
	return copyDevice(d), true
}

// Get returns the device with the registry ID id.
func (r *DeviceRegistry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return copyDevice(d), true
}

// ForEntry lists the devices linked to entryID, sorted by ID.
func (r *DeviceRegistry) ForEntry(entryID string) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := lo.FilterMap(lo.Values(r.devices), func(d *Device, _ int) (Device, bool) {
		return copyDevice(d), lo.Contains(d.ConfigEntries, entryID)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveEntry unlinks entryID from every device and deletes devices left
// without any entry.
func (r *DeviceRegistry) RemoveEntry(ctx context.Context, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, d := range r.devices {
		if !lo.Contains(d.ConfigEntries, entryID) {
			continue
		}
		d.ConfigEntries = lo.Without(d.ConfigEntries, entryID)
		if len(d.ConfigEntries) == 0 {
			if err := r.kv.Delete(ctx, devicePrefix+id); err != nil {
				return fmt.Errorf("failed to delete device %s: %w", id, err)
			}
			delete(r.devices, id)
			r.logger.Info("Removed device", zap.String("device_id", id))
			continue
		}
		if err := store.PutJSON(ctx, r.kv, devicePrefix+id, d); err != nil {
			return fmt.Errorf("failed to save device %s: %w", id, err)
		}
	}
	return nil
}

func mergeInfo(old, update DeviceInfo) DeviceInfo {
	out := old
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.SerialNumber, update.SerialNumber)
	pick(&out.MAC, update.MAC)
	pick(&out.Name, update.Name)
	pick(&out.Manufacturer, update.Manufacturer)
	pick(&out.Model, update.Model)
	pick(&out.SWVersion, update.SWVersion)
	pick(&out.ViaDevice, update.ViaDevice)
	return out
}

func copyDevice(d *Device) Device {
	out := *d
	out.ConfigEntries = append([]string(nil), d.ConfigEntries...)
	return out
}
