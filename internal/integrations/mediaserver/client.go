package mediaserver

import (
	"context"
	"fmt"

	"integrationcore/internal/httpclient"

	"golang.org/x/sync/errgroup"
)

// API paths of the v1 media server API.
const (
	pathStatus    = "/api/v1/system/status"
	pathQueue     = "/api/v1/queue"
	pathDiskSpace = "/api/v1/diskspace"
	pathCommand   = "/api/v1/command"

	// CommandRescan rescans the library root folders.
	CommandRescan = "RescanFolders"
)

// SystemStatus is the subset of /system/status the integration reads.
type SystemStatus struct {
	AppName      string `json:"appName"`
	InstanceName string `json:"instanceName"`
	Version      string `json:"version"`
	OSName       string `json:"osName"`
}

// QueueRecord is one item in the download queue.
type QueueRecord struct {
	ID       int     `json:"id"`
	Title    string  `json:"title"`
	Status   string  `json:"status"`
	Size     float64 `json:"size"`
	SizeLeft float64 `json:"sizeleft"`
}

// Queue is one page of the download queue.
type Queue struct {
	TotalRecords int           `json:"totalRecords"`
	Records      []QueueRecord `json:"records"`
}

// DiskSpace describes one root folder volume.
type DiskSpace struct {
	Path       string `json:"path"`
	Label      string `json:"label"`
	FreeSpace  int64  `json:"freeSpace"`
	TotalSpace int64  `json:"totalSpace"`
}

// Snapshot is everything one refresh fetches.
type Snapshot struct {
	Status SystemStatus
	Queue  Queue
	Disks  []DiskSpace
}

// Disk returns the volume mounted at path.
func (s Snapshot) Disk(path string) (DiskSpace, bool) {
	for _, d := range s.Disks {
		if d.Path == path {
			return d, true
		}
	}
	return DiskSpace{}, false
}

// Client talks to one media server instance.
type Client struct {
	http *httpclient.Client
}

// NewClient creates a client. The API key is sent as X-Api-Key.
func NewClient(opts httpclient.Options) (*Client, error) {
	c, err := httpclient.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

// SystemStatus fetches the server version and name.
func (c *Client) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var out SystemStatus
	err := c.http.Get(ctx, pathStatus, &out)
	return out, err
}

// Queue fetches the first page of the download queue.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var out Queue
	err := c.http.Get(ctx, pathQueue+"?page=1&pageSize=50", &out)
	return out, err
}

// DiskSpace lists the root folder volumes.
func (c *Client) DiskSpace(ctx context.Context) ([]DiskSpace, error) {
	var out []DiskSpace
	err := c.http.Get(ctx, pathDiskSpace, &out)
	return out, err
}

// Command queues a named server command, e.g. CommandRescan.
func (c *Client) Command(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	return c.http.Post(ctx, pathCommand, map[string]string{"name": name}, nil)
}

// Snapshot fetches status, queue and disk space concurrently. Any failure
// fails the whole snapshot.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		status, err := c.SystemStatus(gctx)
		snap.Status = status
		return err
	})
	g.Go(func() error {
		queue, err := c.Queue(gctx)
		snap.Queue = queue
		return err
	})
	g.Go(func() error {
		disks, err := c.DiskSpace(gctx)
		snap.Disks = disks
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
