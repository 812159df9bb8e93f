package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"errandline/internal/metrics"
	"errandline/internal/session"
)

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultReconnectBase  = 250 * time.Millisecond
	DefaultReconnectMax   = 3 * time.Second
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: channel closed")
)

// TokenSource yields the access token used to authenticate the socket.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Channel is a reconnecting websocket bound to the current session token.
type Channel struct {
	url            string
	tokens         TokenSource
	log            *zap.Logger
	connectTimeout time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	buffer         int
	writeTimeout   time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	cancelRun context.CancelFunc
	runDone   chan struct{}
	tasks     map[string]struct{}
	subs      map[int]*Subscription
	nextSub   int
	waiters   []chan struct{}

	closed atomic.Bool
}

type Option func(*Channel)

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithConnectTimeout bounds the dial plus auth handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReconnectBackoff sets the first and the largest reconnect delay.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(c *Channel) {
		if base > 0 && max >= base {
			c.reconnectBase, c.reconnectMax = base, max
		}
	}
}

// WithBuffer sets the per-subscription event buffer.
func WithBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.buffer = n
		}
	}
}

func New(wsURL string, tokens TokenSource, opts ...Option) *Channel {
	c := &Channel{
		url:            wsURL,
		tokens:         tokens,
		log:            zap.NewNop(),
		connectTimeout: DefaultConnectTimeout,
		reconnectBase:  DefaultReconnectBase,
		reconnectMax:   DefaultReconnectMax,
		buffer:         64,
		writeTimeout:   5 * time.Second,
		tasks:          map[string]struct{}{},
		subs:           map[int]*Subscription{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects in the background and keeps reconnecting until Stop, Close
// or ctx cancellation. Calling Start while running is a no-op.
func (c *Channel) Start(ctx context.Context) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancelRun, c.runDone = cancel, done
	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Stop disconnects and waits for the connection loop to exit. Subscriptions stay open.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done, conn := c.cancelRun, c.runDone, c.conn
	c.cancelRun, c.runDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Close stops the channel for good and ends every subscription stream.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.Stop()
	c.mu.Lock()
	subs := c.subs
	c.subs = map[int]*Subscription{}
	c.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	return nil
}

// FollowSession connects while signed in and disconnects on sign-out. userID
// is the identity already signed in when following starts, empty if none.
// A rotated credential for the same user reconnects with the new token and
// keeps its rooms; a different user starts with no rooms.
func (c *Channel) FollowSession(ctx context.Context, userID string, changes <-chan session.Change) {
	current := userID
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case ch, ok := <-changes:
			if !ok {
				c.Stop()
				return
			}
			switch ch.State {
			case session.StateSignedIn:
				id := ""
				if ch.Identity != nil {
					id = ch.Identity.ID
				}
				c.Stop()
				if id != current {
					c.clearTasks()
					current = id
				}
				c.Start(ctx)
			default:
				current = ""
				c.Stop()
				c.clearTasks()
			}
		}
	}
}

// Connected reports whether a live, authenticated socket is held.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the socket is up or ctx ends.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe opens a typed event stream. Events are dropped for a subscriber
// whose buffer is full.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Subscription{id: c.nextSub, ch: make(chan Event, c.buffer), parent: c}
	c.nextSub++
	if c.closed.Load() {
		s.close()
		return s
	}
	c.subs[s.id] = s
	return s
}

// SubscribeTask asks the server for a task's room. Rooms are rejoined after reconnects.
func (c *Channel) SubscribeTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("realtime: empty task id")
	}
	c.mu.Lock()
	c.tasks[taskID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(ctx, conn, EventTaskSubscribe, SubscribePayload{TaskID: taskID})
}

// PublishLocation emits a location.update. It fails with ErrNotConnected
// rather than queueing stale positions.
func (c *Channel) PublishLocation(ctx context.Context, lat, lng float64, taskID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(ctx, conn, EventLocation, LocationPayload{Lat: lat, Lng: lng, TaskID: taskID})
}

func (c *Channel) clearTasks() {
	c.mu.Lock()
	c.tasks = map[string]struct{}{}
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context) {
	delay := c.reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncreaseRealtimeReconnectsMetric()
			c.log.Warn("realtime connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, c.reconnectMax)
			continue
		}
		delay = c.reconnectBase
		c.attach(ctx, conn)
		c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		metrics.IncreaseRealtimeReconnectsMetric()
		c.log.Info("realtime connection lost, reconnecting")
	}
}

func (c *Channel) connect(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime token: %w", err)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if err := c.send(ctx, conn, EventAuth, AuthPayload{Token: token}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	type readResult struct {
		frame Frame
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", err)}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal auth response: %w", err)}
			return
		}
		resultCh <- readResult{frame: f}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			_ = conn.Close()
			return nil, res.err
		}
		switch res.frame.Event {
		case EventAuthOK:
			return conn, nil
		case EventAuthError:
			var ae AuthError
			_ = json.Unmarshal(res.frame.Data, &ae)
			_ = conn.Close()
			return nil, fmt.Errorf("auth rejected: %s", ae.Message)
		default:
			_ = conn.Close()
			return nil, fmt.Errorf("unexpected handshake event %q", res.frame.Event)
		}
	case <-ctx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("auth handshake: %w", ctx.Err())
	}
}

func (c *Channel) attach(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	tasks := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		tasks = append(tasks, id)
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	metrics.UpdateRealtimeConnectedMetric(true)
	c.log.Info("realtime connected", zap.Int("rooms", len(tasks)))
	for _, id := range tasks {
		if err := c.send(ctx, conn, EventTaskSubscribe, SubscribePayload{TaskID: id}); err != nil {
			c.log.Warn("rejoining task room failed", zap.String("task", id), zap.Error(err))
		}
	}
	for _, w := range waiters {
		close(w)
	}
}

func (c *Channel) detach(conn net.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	metrics.UpdateRealtimeConnectedMetric(false)
}

func (c *Channel) readLoop(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("realtime read error", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("realtime: invalid frame", zap.Error(err))
			continue
		}
		ev, err := Decode(f)
		if err != nil {
			c.log.Warn("realtime: undecodable event", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		metrics.IncreaseRealtimeEventsMetric(f.Event)
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		select {
		case s.ch <- ev:
		default:
			c.log.Debug("subscriber slow, dropping event", zap.String("event", ev.Name()))
		}
	}
}

func (c *Channel) send(ctx context.Context, conn net.Conn, event string, data any) error {
	f, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	defer conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteClientText(conn, raw)
}

func (c *Channel) unsubscribe(id int) {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		s.close()
	}
}

// Subscription is a cancellable stream of events.
type Subscription struct {
	id     int
	ch     chan Event
	parent *Channel
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close ends the stream. Safe to call more than once.
func (s *Subscription) Close() {
	s.parent.unsubscribe(s.id)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
