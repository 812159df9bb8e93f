package geo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"errandline/internal/domain"
)

var ErrNoPosition = errors.New("no position available")

// PositionSource yields the device position. Watch streams samples until ctx
// ends and then closes the channel.
type PositionSource interface {
	Current(ctx context.Context) (domain.PositionSample, error)
	Watch(ctx context.Context) (<-chan domain.PositionSample, error)
}

// ReplaySource emits a fixed list of points, one per Interval, holding the
// final point once the list is exhausted.
type ReplaySource struct {
	Points   []domain.LatLng
	Interval time.Duration
	Now      func() time.Time

	mu  sync.Mutex
	pos int
}

// NewStaticSource reports a single point forever.
func NewStaticSource(p domain.LatLng, interval time.Duration) *ReplaySource {
	return &ReplaySource{Points: []domain.LatLng{p}, Interval: interval}
}

func (s *ReplaySource) Current(context.Context) (domain.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Points) == 0 {
		return domain.PositionSample{}, ErrNoPosition
	}
	return s.sample(s.Points[s.pos]), nil
}

func (s *ReplaySource) Watch(ctx context.Context) (<-chan domain.PositionSample, error) {
	if len(s.Points) == 0 {
		return nil, ErrNoPosition
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan domain.PositionSample, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case out <- s.advance():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *ReplaySource) advance() domain.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Points[s.pos]
	if s.pos < len(s.Points)-1 {
		s.pos++
	}
	return s.sample(p)
}

func (s *ReplaySource) sample(p domain.LatLng) domain.PositionSample {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return domain.PositionSample{Lat: p.Lat, Lng: p.Lng, TimestampMs: now().UnixMilli()}
}

// ReadPoints parses one "lat,lng" pair per line. Blank lines and lines starting
// with # are skipped.
func ReadPoints(r io.Reader) ([]domain.LatLng, error) {
	var points []domain.LatLng
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, ok := domain.ParseLatLng(text)
		if !ok {
			return nil, fmt.Errorf("line %d: %q is not a valid lat,lng", line, text)
		}
		points = append(points, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return points, nil
}
