package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"integrationcore/internal/httpclient"
	"integrationcore/pkg/vendor"
)

const apiPath = "/cgi-bin/api.cgi"

// PTZ operations accepted by PTZ.
const (
	PTZUp    = "Up"
	PTZDown  = "Down"
	PTZLeft  = "Left"
	PTZRight = "Right"
	PTZStop  = "Stop"
)

// Response codes that mean the credentials were not accepted.
const (
	rspLoginRequired = -6
	rspLoginFailed   = -7
)

var errNoResponse = errors.New("empty response")

type command struct {
	Cmd    string      `json:"cmd"`
	Action int         `json:"action"`
	Param  interface{} `json:"param"`
}

type commandError struct {
	Detail  string `json:"detail"`
	RspCode int    `json:"rspCode"`
}

type commandResult struct {
	Cmd   string          `json:"cmd"`
	Code  int             `json:"code"`
	Value json.RawMessage `json:"value"`
	Range json.RawMessage `json:"range"`
	Error *commandError   `json:"error"`
}

// err classifies a failed command result.
func (r commandResult) err() error {
	if r.Code == 0 {
		return nil
	}
	detail := fmt.Sprintf("code %d", r.Code)
	rsp := 0
	if r.Error != nil {
		detail = fmt.Sprintf("%s (rspCode %d)", r.Error.Detail, r.Error.RspCode)
		rsp = r.Error.RspCode
	}
	cause := errors.New(detail)
	if rsp == rspLoginRequired || rsp == rspLoginFailed {
		return vendor.Auth(r.Cmd, cause)
	}
	return vendor.Request(r.Cmd, cause)
}

// HostInfo identifies the camera or NVR.
type HostInfo struct {
	Model      string `json:"model"`
	Name       string `json:"name"`
	Serial     string `json:"serial"`
	FirmVer    string `json:"firmVer"`
	HardVer    string `json:"hardVer"`
	ChannelNum int    `json:"channelNum"`
	Type       string `json:"type"`
}

// IsNVR reports whether the host has channels of its own devices.
func (h HostInfo) IsNVR() bool {
	return h.ChannelNum > 1
}

type channelStatus struct {
	Channel  int    `json:"channel"`
	Name     string `json:"name"`
	Online   int    `json:"online"`
	TypeInfo string `json:"typeInfo"`
	UID      string `json:"uid"`
}

// Zoom is the optical zoom position and range of a channel.
type Zoom struct {
	Pos int
	Min int
	Max int
}

// Channel is the polled state of one camera channel.
type Channel struct {
	Index  int
	Name   string
	Online bool
	Model  string
	UID    string
	Motion bool
	// Zoom is nil for channels without a motorised lens. Channels with a
	// lens are driven through PTZ as well.
	Zoom *Zoom
}

// HostData is the snapshot one refresh produces.
type HostData struct {
	Host     HostInfo
	Channels []Channel
}

// Channel returns the channel with index ch.
func (d HostData) Channel(ch int) (Channel, bool) {
	for _, c := range d.Channels {
		if c.Index == ch {
			return c, true
		}
	}
	return Channel{}, false
}

// ClientOptions configures a Client.
type ClientOptions struct {
	httpclient.Options
	Username string
	Password string
}

// Client speaks the batched JSON CGI API of the camera.
type Client struct {
	http     *httpclient.Client
	username string
	password string
}

// NewClient creates a client.
func NewClient(opts ClientOptions) (*Client, error) {
	c, err := httpclient.New(opts.Options)
	if err != nil {
		return nil, err
	}
	return &Client{http: c, username: opts.Username, password: opts.Password}, nil
}

// call sends cmds as one batch. Transport failures come back as err; per
// command failures are left in the results.
func (c *Client) call(ctx context.Context, cmds ...command) ([]commandResult, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("cmd", cmds[0].Cmd)
	q.Set("user", c.username)
	q.Set("password", c.password)

	var results []commandResult
	if err := c.http.Do(ctx, http.MethodPost, apiPath+"?"+q.Encode(), cmds, &results); err != nil {
		return nil, err
	}
	if len(results) != len(cmds) {
		return nil, vendor.Malformed(cmds[0].Cmd, fmt.Errorf("%w: sent %d commands, got %d results", errNoResponse, len(cmds), len(results)))
	}
	return results, nil
}

// single sends one command and fails on a command error.
func (c *Client) single(ctx context.Context, cmd command, out interface{}) error {
	results, err := c.call(ctx, cmd)
	if err != nil {
		return err
	}
	if err := results[0].err(); err != nil {
		return err
	}
	if out == nil || len(results[0].Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(results[0].Value, out); err != nil {
		return vendor.Malformed(cmd.Cmd, err)
	}
	return nil
}

// Fetch polls host info, channel status, and motion and zoom state of every
// online channel.
func (c *Client) Fetch(ctx context.Context) (HostData, error) {
	results, err := c.call(ctx,
		command{Cmd: "GetDevInfo", Param: map[string]interface{}{}},
		command{Cmd: "GetChannelstatus", Param: map[string]interface{}{}},
	)
	if err != nil {
		return HostData{}, err
	}
	for _, r := range results {
		if err := r.err(); err != nil {
			return HostData{}, err
		}
	}

	var dev struct {
		DevInfo HostInfo `json:"DevInfo"`
	}
	if err := json.Unmarshal(results[0].Value, &dev); err != nil {
		return HostData{}, vendor.Malformed("GetDevInfo", err)
	}
	var status struct {
		Count  int             `json:"count"`
		Status []channelStatus `json:"status"`
	}
	if err := json.Unmarshal(results[1].Value, &status); err != nil {
		return HostData{}, vendor.Malformed("GetChannelstatus", err)
	}

	data := HostData{Host: dev.DevInfo, Channels: make([]Channel, 0, len(status.Status))}
	var details []command
	for _, s := range status.Status {
		ch := Channel{Index: s.Channel, Name: s.Name, Online: s.Online == 1, Model: s.TypeInfo, UID: s.UID}
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("Channel %d", s.Channel+1)
		}
		data.Channels = append(data.Channels, ch)
		if ch.Online {
			details = append(details,
				command{Cmd: "GetMdState", Param: map[string]int{"channel": s.Channel}},
				command{Cmd: "GetZoomFocus", Action: 1, Param: map[string]int{"channel": s.Channel}},
			)
		}
	}
	if len(details) == 0 {
		return data, nil
	}

	detailResults, err := c.call(ctx, details...)
	if err != nil {
		return HostData{}, err
	}
	i := 0
	for idx := range data.Channels {
		if !data.Channels[idx].Online {
			continue
		}
		md, zoom := detailResults[i], detailResults[i+1]
		i += 2
		if err := applyMotion(&data.Channels[idx], md); err != nil {
			return HostData{}, err
		}
		applyZoom(&data.Channels[idx], zoom)
	}
	return data, nil
}

func applyMotion(ch *Channel, r commandResult) error {
	if err := r.err(); err != nil {
		if vendor.IsAuth(err) {
			return err
		}
		return nil
	}
	var md struct {
		State int `json:"state"`
	}
	if err := json.Unmarshal(r.Value, &md); err != nil {
		return vendor.Malformed(r.Cmd, err)
	}
	ch.Motion = md.State == 1
	return nil
}

// applyZoom leaves Zoom nil when the channel does not answer GetZoomFocus.
func applyZoom(ch *Channel, r commandResult) {
	if r.err() != nil {
		return
	}
	var value struct {
		ZoomFocus struct {
			Zoom struct {
				Pos int `json:"pos"`
			} `json:"zoom"`
		} `json:"ZoomFocus"`
	}
	var rng struct {
		ZoomFocus struct {
			Zoom struct {
				Pos struct {
					Min int `json:"min"`
					Max int `json:"max"`
				} `json:"pos"`
			} `json:"zoom"`
		} `json:"ZoomFocus"`
	}
	if json.Unmarshal(r.Value, &value) != nil {
		return
	}
	if len(r.Range) > 0 && json.Unmarshal(r.Range, &rng) != nil {
		return
	}
	ch.Zoom = &Zoom{
		Pos: value.ZoomFocus.Zoom.Pos,
		Min: rng.ZoomFocus.Zoom.Pos.Min,
		Max: rng.ZoomFocus.Zoom.Pos.Max,
	}
}

// PTZ sends a pan/tilt command to channel ch. speed is clamped by the camera.
func (c *Client) PTZ(ctx context.Context, ch int, op string, speed int) error {
	switch op {
	case PTZUp, PTZDown, PTZLeft, PTZRight, PTZStop:
	default:
		return vendor.Request("PtzCtrl", fmt.Errorf("unsupported ptz operation %q", op))
	}
	return c.single(ctx, command{Cmd: "PtzCtrl", Param: map[string]interface{}{
		"channel": ch,
		"op":      op,
		"speed":   speed,
	}}, nil)
}

// SetZoom moves the lens of channel ch to pos.
func (c *Client) SetZoom(ctx context.Context, ch, pos int) error {
	return c.single(ctx, command{Cmd: "StartZoomFocus", Param: map[string]interface{}{
		"ZoomFocus": map[string]interface{}{"channel": ch, "op": "ZoomPos", "pos": pos},
	}}, nil)
}
