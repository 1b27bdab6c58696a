// Package push connects to vendor websocket event streams and hands decoded
// events to a sink, reconnecting with exponential backoff.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/pkg/vendor"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultInitialBackoff   = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Sink receives every event in arrival order on the stream goroutine.
type Sink func(Event)

// Options configures a Stream.
type Options struct {
	URL    string
	Token  string
	Header http.Header

	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration

	// OnConnectionChange is called when the stream connects or disconnects.
	OnConnectionChange func(connected bool)

	// OnError is called by Start when the stream gives up, i.e. when the
	// vendor rejected the credentials.
	OnError func(err error)

	// Clock times the reconnect backoff. Nil uses the real clock.
	Clock  clock.Clock
	Logger *zap.Logger
}

// Stream is a reconnecting websocket event client.
type Stream struct {
	opts   Options
	sink   Sink
	clock  clock.Clock
	logger *zap.Logger

	connected atomic.Bool
	writeMu   sync.Mutex
}

// New creates a Stream. Nothing is dialed until Run.
func New(opts Options, sink Sink) *Stream {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		opts:   opts,
		sink:   sink,
		clock:  clock.OrReal(opts.Clock),
		logger: logger.Named("push").With(zap.String("url", opts.URL)),
	}
}

// Connected reports whether the stream currently has an authenticated
// connection.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run connects and reads events until ctx is cancelled. Connection loss is
// retried forever with backoff; an auth rejection stops the stream and is
// returned.
func (s *Stream) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if vendor.IsAuth(err) {
			s.logger.Error("Event stream rejected credentials", zap.Error(err))
			return err
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		s.logger.Warn("Event stream disconnected, reconnecting",
			zap.Duration("retry_in", wait),
			zap.Error(err))

		elapsed := make(chan struct{})
		timer := s.clock.AfterFunc(wait, func() { close(elapsed) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-elapsed:
		}
	}
}

// Start runs the stream in the background. stop cancels it and waits for
// the goroutine to exit.
func (s *Stream) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil && s.opts.OnError != nil {
			s.opts.OnError(err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Stream) session(ctx context.Context) (established bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, vendor.Auth("dial", fmt.Errorf("event stream returned %s", resp.Status))
		}
		return false, vendor.Connection("dial", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	})
	defer stop()

	if s.opts.Token != "" {
		if err := s.authenticate(conn); err != nil {
			return false, err
		}
	}

	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.Info("Connected to event stream")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, vendor.Connection("read", err)
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case typeEvent, "":
			if msg.Topic == "" {
				s.logger.Debug("Ignoring event without topic")
				continue
			}
			s.sink(Event{Topic: msg.Topic, Payload: msg.Payload})
		case typeAuthRequired:
			return true, vendor.Auth("stream", errors.New("event stream requires a token"))
		case typeAuthInvalid:
			return true, vendor.Auth("stream", errors.New(orDefault(msg.Message, "invalid token")))
		default:
			s.logger.Debug("Ignoring frame", zap.String("type", msg.Type))
		}
	}
}

func (s *Stream) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var required Message
	if err := conn.ReadJSON(&required); err != nil {
		return vendor.Connection("auth", fmt.Errorf("failed to read auth_required: %w", err))
	}
	if required.Type != typeAuthRequired {
		return vendor.Malformed("auth", fmt.Errorf("expected %s, got %q", typeAuthRequired, required.Type))
	}

	s.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: typeAuth, AccessToken: s.opts.Token})
	s.writeMu.Unlock()
	if err != nil {
		return vendor.Connection("auth", fmt.Errorf("failed to send auth: %w", err))
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return vendor.Connection("auth", fmt.Errorf("failed to read auth response: %w", err))
	}
	switch reply.Type {
	case typeAuthOK:
		return nil
	case typeAuthInvalid:
		return vendor.Auth("auth", errors.New(orDefault(reply.Message, "invalid token")))
	default:
		return vendor.Malformed("auth", fmt.Errorf("expected %s, got %q", typeAuthOK, reply.Type))
	}
}

func (s *Stream) setConnected(connected bool) {
	if s.connected.Swap(connected) == connected {
		return
	}
	if s.opts.OnConnectionChange != nil {
		s.opts.OnConnectionChange(connected)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
