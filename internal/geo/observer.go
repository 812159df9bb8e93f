package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"errandline/internal/domain"
)

const DefaultRouteRefresh = 7 * time.Second

type ObserverConfig struct {
	// Routes is optional; without it the ETA is distance based.
	Routes       RouteService
	RouteRefresh time.Duration
	Log          *zap.Logger
	Now          func() time.Time
}

// Observer follows a helper approaching a task location.
type Observer struct {
	target  domain.LatLng
	routes  RouteService
	log     *zap.Logger
	now     func() time.Time
	limiter *rate.Limiter

	mu       sync.Mutex
	last     *domain.PositionSample
	route    *Route
	inflight bool
	wg       sync.WaitGroup
}

// Tracking is a point-in-time view of an observed helper.
type Tracking struct {
	Position           *domain.PositionSample
	DistanceMeters     float64
	Arrived            bool
	ETAMinutes         int
	Route              []domain.LatLng
	SecondsSinceUpdate int
}

func NewObserver(target domain.LatLng, cfg ObserverConfig) *Observer {
	if cfg.RouteRefresh <= 0 {
		cfg.RouteRefresh = DefaultRouteRefresh
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Observer{
		target:  target,
		routes:  cfg.Routes,
		log:     cfg.Log,
		now:     cfg.Now,
		limiter: rate.NewLimiter(rate.Every(cfg.RouteRefresh), 1),
	}
}

func (o *Observer) Target() domain.LatLng { return o.target }

// Apply records a helper position. Invalid coordinates and samples older than
// the current one are ignored. A route refresh is started in the background
// when the refresh window allows it.
func (o *Observer) Apply(ctx context.Context, s domain.PositionSample) bool {
	if !s.Point().Valid() {
		return false
	}
	now := o.now()
	if s.TimestampMs <= 0 {
		s.TimestampMs = now.UnixMilli()
	}
	o.mu.Lock()
	if o.last != nil && s.TimestampMs < o.last.TimestampMs {
		o.mu.Unlock()
		return false
	}
	o.last = &s
	refresh := o.routes != nil && !o.inflight && o.limiter.AllowN(now, 1)
	if refresh {
		o.inflight = true
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if refresh {
		go o.refresh(context.WithoutCancel(ctx), s.Point())
	}
	return true
}

func (o *Observer) refresh(ctx context.Context, from domain.LatLng) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()
	route, err := o.routes.Route(ctx, from, o.target)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight = false
	if err != nil {
		o.log.Debug("route refresh failed", zap.Error(err))
		return
	}
	o.route = &route
}

// Wait blocks until any in-flight route refresh has finished.
func (o *Observer) Wait() {
	o.wg.Wait()
}

func (o *Observer) Snapshot() Tracking {
	o.mu.Lock()
	defer o.mu.Unlock()
	var t Tracking
	if o.last == nil {
		return t
	}
	pos := *o.last
	t.Position = &pos
	t.DistanceMeters = Distance(o.target, pos.Point())
	t.Arrived = Arrived(t.DistanceMeters)
	var routeSeconds *float64
	if o.route != nil {
		routeSeconds = o.route.DurationSeconds
		t.Route = append([]domain.LatLng(nil), o.route.Points...)
	}
	t.ETAMinutes = ETAMinutes(t.DistanceMeters, routeSeconds)
	age := o.now().Sub(pos.Time()).Seconds()
	t.SecondsSinceUpdate = int(math.Max(0, math.Floor(age)))
	return t
}
