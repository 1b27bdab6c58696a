// Package mediaserver polls a music library server (Lidarr-style v1 API):
// version, download queue and free disk space, plus a rescan button.
package mediaserver

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"integrationcore/internal/coordinator"
	"integrationcore/internal/entity"
	"integrationcore/internal/entry"
	"integrationcore/internal/httpclient"
	"integrationcore/internal/registry"
	"integrationcore/pkg/integration"

	"github.com/gosimple/slug"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	Domain = "mediaserver"

	DefaultScanInterval = 30 * time.Second
	bytesPerGB          = 1e9
)

func init() {
	integration.MustRegister(integration.Integration{
		Domain:      Domain,
		Name:        "Media Server",
		Description: "Polls a Lidarr-style media server for version, queue and disk space",
		Priority:    integration.PriorityDefault,
		Order:       40,
		Setup:       Setup,
	})
}

// Setup creates the coordinator and entities for one server.
//
// Options: url and api_key (required), scan_interval or scan_schedule (cron),
// timeout.
func Setup(ctx context.Context, rt *entry.Runtime) error {
	opts := rt.Options()
	if err := opts.Require("url", "api_key"); err != nil {
		return err
	}
	schedule, err := rt.Schedule(DefaultScanInterval)
	if err != nil {
		return err
	}

	client, err := NewClient(httpclient.Options{
		BaseURL: opts.String("url"),
		APIKey:  opts.String("api_key"),
		Timeout: opts.Duration("timeout", httpclient.DefaultTimeout),
		Clock:   rt.Clock,
		Logger:  rt.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	coord := entry.NewCoordinator(rt, Domain, client.Snapshot, coordinator.Options{
		Schedule:      schedule,
		SkipUnchanged: true,
	})
	if err := coord.FirstRefresh(ctx); err != nil {
		return err
	}

	snap := coord.Data()
	rt.Logger.Info("Connected to media server",
		zap.String("app", snap.Status.AppName),
		zap.String("version", snap.Status.Version),
		zap.Int("disks", len(snap.Disks)))

	s := &server{rt: rt, client: client, coord: coord, disks: diskPaths(snap)}
	if err := rt.Platform().AddEntities(ctx, Entities(rt, client, coord, snap), false); err != nil {
		return err
	}
	rt.OnUnload(coord.AddListener(s.syncDisks))
	return nil
}

// server tracks the disks of one set-up media server.
type server struct {
	rt     *entry.Runtime
	client *Client
	coord  *coordinator.Coordinator[Snapshot]

	mu    sync.Mutex
	disks []string
}

// syncDisks adds and removes disk sensors when the set of disks reported by
// the server changes.
func (s *server) syncDisks() {
	snap, ok := s.coord.DataOK()
	if !ok || !s.coord.LastUpdateSuccess() {
		return
	}
	current := diskPaths(snap)

	s.mu.Lock()
	changed := !slices.Equal(s.disks, current)
	s.disks = current
	s.mu.Unlock()
	if !changed {
		return
	}

	res, err := s.rt.Platform().Sync(context.Background(), Entities(s.rt, s.client, s.coord, snap), false)
	if err != nil {
		s.rt.Logger.Error("Failed to synchronize disk entities", zap.Error(err))
		return
	}
	s.rt.Logger.Info("Media server disks changed",
		zap.Strings("disks", current),
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)))
}

func diskPaths(snap Snapshot) []string {
	paths := lo.Map(snap.Disks, func(d DiskSpace, _ int) string { return d.Path })
	sort.Strings(paths)
	return paths
}

// Entities builds the entity set for snap, with one disk sensor per volume.
func Entities(rt *entry.Runtime, client *Client, source entity.Source[Snapshot], snap Snapshot) []entity.Entity {
	id := rt.Config.ID
	opts := rt.EntityOptions(entity.WithDevice(deviceInfo(rt, snap)))

	ents := []entity.Entity{
		entity.NewSensor(id+"_version", source, entity.SensorDescription[Snapshot]{
			Key: "version",
			Metadata: entity.Metadata{
				Name:     "Version",
				Icon:     "mdi:information-outline",
				Category: entity.CategoryDiagnostic,
			},
			Value: func(s Snapshot) (any, bool) { return s.Status.Version, s.Status.Version != "" },
		}, opts...),
		entity.NewSensor(id+"_queue", source, entity.SensorDescription[Snapshot]{
			Key:      "queue",
			Metadata: entity.Metadata{Name: "Queue", Icon: "mdi:download", Unit: "items"},
			Value:    func(s Snapshot) (any, bool) { return s.Queue.TotalRecords, true },
			Attributes: func(s Snapshot) map[string]any {
				return lo.SliceToMap(s.Queue.Records, func(r QueueRecord) (string, any) {
					return r.Title, queueProgress(r)
				})
			},
		}, opts...),
		entity.NewButton(id+"_rescan", source, entity.ButtonDescription{
			Key:          "rescan",
			Metadata:     entity.Metadata{Name: "Rescan", Icon: "mdi:folder-refresh"},
			Press:        func(ctx context.Context) error { return client.Command(ctx, CommandRescan) },
			RefreshAfter: true,
		}, nil, opts...),
	}

	for _, disk := range snap.Disks {
		ents = append(ents, diskSensor(id, disk, source, opts))
	}
	return ents
}

func diskSensor(entryID string, disk DiskSpace, source entity.Source[Snapshot], opts []entity.Option) entity.Entity {
	path := disk.Path
	name := disk.Label
	if name == "" {
		name = path
	}
	return entity.NewSensor(entryID+"_disk_"+diskKey(path), source, entity.SensorDescription[Snapshot]{
		Key: "disk_free",
		Metadata: entity.Metadata{
			Name:        "Disk " + name + " free",
			DeviceClass: "data_size",
			Icon:        "mdi:harddisk",
			Unit:        "GB",
		},
		Value: func(s Snapshot) (any, bool) {
			d, ok := s.Disk(path)
			if !ok {
				return nil, false
			}
			return gigabytes(d.FreeSpace), true
		},
		Attributes: func(s Snapshot) map[string]any {
			d, ok := s.Disk(path)
			if !ok {
				return nil
			}
			return map[string]any{"path": d.Path, "total_space": gigabytes(d.TotalSpace)}
		},
	}, opts...)
}

func deviceInfo(rt *entry.Runtime, snap Snapshot) registry.DeviceInfo {
	name := rt.Config.Title
	if name == "" {
		name, _ = lo.Coalesce(snap.Status.InstanceName, snap.Status.AppName, Domain)
	}
	manufacturer, _ := lo.Coalesce(snap.Status.AppName, "Servarr")
	return registry.DeviceInfo{
		SerialNumber: rt.Config.ID,
		Name:         name,
		Manufacturer: manufacturer,
		Model:        "Media Server",
		SWVersion:    snap.Status.Version,
	}
}

func diskKey(path string) string {
	key := strings.Replace(slug.Make(path), "-", "_", -1)
	if key == "" {
		return "root"
	}
	return key
}

func gigabytes(n int64) float64 {
	return math.Round(float64(n)/bytesPerGB*100) / 100
}

func queueProgress(r QueueRecord) string {
	if r.Size <= 0 {
		return r.Status
	}
	done := (r.Size - r.SizeLeft) / r.Size * 100
	return fmt.Sprintf("%.0f%%", done)
}
