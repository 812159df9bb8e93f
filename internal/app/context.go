// Package app wires the client components from a workspace config.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"errandline/internal/api"
	"errandline/internal/config"
	"errandline/internal/credstore"
	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/geo"
	"errandline/internal/lifecycle"
	"errandline/internal/realtime"
	"errandline/internal/session"
)

// Client is one signed-in device: a session over persisted credentials, the
// typed API, the realtime channel and the task controller sharing them.
type Client struct {
	Config   *config.Config
	Log      *zap.Logger
	API      *api.Client
	Session  *session.Manager
	Realtime *realtime.Channel
	Tasks    *lifecycle.Controller
	Routes   geo.RouteService

	store  credstore.Store
	closer func() error
	cancel context.CancelFunc
}

type Options struct {
	// Store overrides the on-disk credential store.
	Store     credstore.Store
	Positions geo.PositionSource
	Log       *zap.Logger
}

// NewLogger builds a production zap logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Open restores the persisted session and wires every client component.
// The realtime channel is idle until Follow is called.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{Config: cfg, Log: log, store: opts.Store, closer: func() error { return nil }}
	if c.store == nil {
		st, err := credstore.Open(ctx, cfg.Storage.DataDir, cfg.Storage.Seal, log.Named("credstore"))
		if err != nil {
			return nil, err
		}
		c.store, c.closer = st, st.Close
	}

	gw := gateway.New(cfg.API.BaseURL, log.Named("gateway"))
	gw.Timeout = cfg.API.Timeout
	gw.Retries = cfg.API.Retries
	c.API = api.New(gw)
	c.Session = session.New(c.store, c.API, session.WithLogger(log.Named("session")))
	if _, err := c.Session.LoadPersisted(ctx); err != nil {
		log.Warn("stored credential unreadable, starting signed out", zap.Error(err))
	}

	c.Realtime = realtime.New(cfg.RealtimeWSURL(), c.Session,
		realtime.WithLogger(log.Named("realtime")),
		realtime.WithConnectTimeout(cfg.Realtime.ConnectTimeout),
		realtime.WithReconnectBackoff(realtime.DefaultReconnectBase, cfg.Realtime.ReconnectMax),
		realtime.WithBuffer(cfg.Realtime.SubscriberBuffer),
	)

	var geocoder geo.Geocoder = geo.NoGeocoder{}
	if cfg.Maps.APIKey != "" {
		geocoder = geo.NewReverseGeocoder(cfg.Maps.GeocodeURL, cfg.Maps.APIKey, log.Named("geocode"))
		c.Routes = geo.NewDirectionsClient(cfg.Maps.DirectionsURL, cfg.Maps.APIKey, log.Named("routes"))
	}
	var fallback *domain.LatLng
	if p, ok := cfg.FallbackLocation(); ok {
		fallback = &p
	}
	c.Tasks = lifecycle.New(c.API, c.Session, lifecycle.Options{
		Positions:     opts.Positions,
		Geocoder:      geocoder,
		Routes:        c.Routes,
		Rooms:         c.Realtime,
		Fallback:      fallback,
		OfferCapacity: cfg.Tracking.OfferListCapacity,
		RouteRefresh:  cfg.Tracking.RouteRefresh,
		Log:           log.Named("tasks"),
	})
	return c, nil
}

// Follow connects the realtime channel whenever the session is signed in and
// pumps its events into the task controller until ctx ends or Close is called.
func (c *Client) Follow(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	changes, stop := c.Session.Watch()
	go func() {
		<-ctx.Done()
		stop()
	}()
	// Watch only reports future transitions; seed the current one.
	id, signedIn := c.Session.CurrentIdentity()
	go c.Realtime.FollowSession(ctx, id.ID, changes)
	if signedIn {
		c.Realtime.Start(ctx)
		c.Log.Debug("realtime following session", zap.String("user", id.ID))
	}
	sub := c.Realtime.Subscribe()
	go func() {
		defer sub.Close()
		if err := c.Tasks.Run(ctx, sub.Events()); err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Warn("event pump stopped", zap.Error(err))
		}
	}()
}

// Publisher streams this device's position over the realtime channel.
func (c *Client) Publisher(source geo.PositionSource, taskID string) *geo.Publisher {
	var fallback *domain.LatLng
	if p, ok := c.Config.FallbackLocation(); ok {
		fallback = &p
	}
	return geo.NewPublisher(c.Realtime, source, geo.PublisherConfig{
		TaskID:       taskID,
		Fallback:     fallback,
		Interval:     c.Config.Tracking.PublishInterval,
		HeartbeatMin: c.Config.Tracking.HeartbeatMin,
		HeartbeatMax: c.Config.Tracking.HeartbeatMax,
		Log:          c.Log.Named("publisher"),
	})
}

// Token returns a usable access token for one-off calls.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.Session.Token(ctx)
}

func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.Realtime.Close()
	return c.closer()
}
