package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"errandline/internal/domain"
	"errandline/internal/metrics"
)

const (
	DefaultPublishInterval = 5 * time.Second
	DefaultHeartbeatMin    = 12 * time.Second
	DefaultHeartbeatMax    = 15 * time.Second
)

var ErrPublisherStopped = errors.New("publisher stopped")

// Sink receives published positions. The realtime channel implements it.
type Sink interface {
	PublishLocation(ctx context.Context, lat, lng float64, taskID string) error
}

type PublisherConfig struct {
	// TaskID scopes publications to one task; empty publishes a general helper position.
	TaskID string
	// Fallback is used by the heartbeat before any sample has been seen.
	Fallback *domain.LatLng

	Interval     time.Duration
	HeartbeatMin time.Duration
	HeartbeatMax time.Duration

	Log *zap.Logger
	Now func() time.Time
}

// Publisher streams the helper position to a Sink. Live samples are throttled
// to one per Interval. A jittered heartbeat republishes the last known position
// when nothing was emitted for HeartbeatMin.
type Publisher struct {
	sink   Sink
	source PositionSource
	cfg    PublisherConfig
	log    *zap.Logger
	now    func() time.Time

	limiter *rate.Limiter
	// newTicker is replaced in tests.
	newTicker func(lo, hi time.Duration) ticker

	mu       sync.Mutex
	last     *domain.PositionSample
	lastEmit time.Time

	ctl     sync.Mutex
	parent  context.Context
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type jitterTicker struct{ t *jitterbug.Ticker }

func (j jitterTicker) Chan() <-chan time.Time { return j.t.C }
func (j jitterTicker) Stop()                  { j.t.Stop() }

func newJitterTicker(lo, hi time.Duration) ticker {
	return jitterTicker{t: jitterbug.New(hi, &jitterbug.Uniform{Min: lo})}
}

func NewPublisher(sink Sink, source PositionSource, cfg PublisherConfig) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPublishInterval
	}
	if cfg.HeartbeatMin <= 0 {
		cfg.HeartbeatMin = DefaultHeartbeatMin
	}
	if cfg.HeartbeatMax <= cfg.HeartbeatMin {
		cfg.HeartbeatMax = cfg.HeartbeatMin + DefaultHeartbeatMax - DefaultHeartbeatMin
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Publisher{
		sink:      sink,
		source:    source,
		cfg:       cfg,
		log:       cfg.Log,
		now:       cfg.Now,
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		newTicker: newJitterTicker,
	}
}

// Start subscribes to the position source and starts the heartbeat. The
// publisher runs until ctx ends or Stop is called. With a nil source only the
// heartbeat runs.
func (p *Publisher) Start(ctx context.Context) error {
	p.ctl.Lock()
	if p.stopped {
		p.ctl.Unlock()
		return ErrPublisherStopped
	}
	p.parent = ctx
	p.ctl.Unlock()
	return p.Foreground()
}

// Background drops the position subscription and stops the heartbeat.
func (p *Publisher) Background() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.halt()
}

// Foreground re-subscribes and restarts the heartbeat. It is a no-op while
// already running.
func (p *Publisher) Foreground() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if p.stopped {
		return ErrPublisherStopped
	}
	if p.cancel != nil {
		return nil
	}
	parent := p.parent
	if parent == nil {
		parent = context.Background()
	}
	if err := parent.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	var positions <-chan domain.PositionSample
	if p.source != nil {
		var err error
		if positions, err = p.source.Watch(ctx); err != nil {
			cancel()
			return err
		}
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, positions, p.newTicker(p.cfg.HeartbeatMin, p.cfg.HeartbeatMax), p.done)
	p.log.Debug("location publisher running", zap.String("task", p.cfg.TaskID))
	return nil
}

// Stop halts the publisher for good.
func (p *Publisher) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stopped = true
	p.halt()
}

func (p *Publisher) Running() bool {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	return p.cancel != nil
}

func (p *Publisher) halt() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
	p.log.Debug("location publisher paused", zap.String("task", p.cfg.TaskID))
}

func (p *Publisher) loop(ctx context.Context, positions <-chan domain.PositionSample, t ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			p.Offer(ctx, s)
		case <-t.Chan():
			p.Heartbeat(ctx)
		}
	}
}

// Offer handles one live sample and reports whether it was published.
func (p *Publisher) Offer(ctx context.Context, s domain.PositionSample) bool {
	if !s.Point().Valid() {
		return false
	}
	now := p.now()
	p.mu.Lock()
	p.last = &s
	if !p.limiter.AllowN(now, 1) {
		p.mu.Unlock()
		metrics.IncreaseLocationPublishMetric("throttled")
		return false
	}
	p.lastEmit = now
	p.mu.Unlock()
	return p.publish(ctx, s.Point(), "live")
}

// Heartbeat republishes the last known position unless something was emitted
// within HeartbeatMin. It reports whether a publication happened.
func (p *Publisher) Heartbeat(ctx context.Context) bool {
	now := p.now()
	p.mu.Lock()
	if !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.cfg.HeartbeatMin {
		p.mu.Unlock()
		return false
	}
	var pos domain.LatLng
	switch {
	case p.last != nil:
		pos = p.last.Point()
	case p.cfg.Fallback != nil:
		pos = *p.cfg.Fallback
	default:
		p.mu.Unlock()
		return false
	}
	// Take the token so a live sample right behind the heartbeat is throttled.
	p.limiter.AllowN(now, 1)
	p.lastEmit = now
	p.mu.Unlock()
	return p.publish(ctx, pos, "heartbeat")
}

func (p *Publisher) publish(ctx context.Context, pos domain.LatLng, kind string) bool {
	if err := p.sink.PublishLocation(ctx, pos.Lat, pos.Lng, p.cfg.TaskID); err != nil {
		metrics.IncreaseLocationPublishMetric("failed")
		p.log.Debug("publish location failed", zap.String("kind", kind), zap.Error(err))
		return false
	}
	metrics.IncreaseLocationPublishMetric(kind)
	return true
}
