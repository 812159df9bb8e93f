package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"errandline/internal/api"
	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/geo"
	"errandline/internal/realtime"
	"errandline/internal/session"
)

const DefaultOfferCapacity = 20

var (
	ErrOfferGone    = errors.New("offer expired or taken by another helper")
	ErrAlreadyRated = errors.New("task already rated")
)

// Backend is the part of the marketplace API the controller drives.
type Backend interface {
	CreateTask(ctx context.Context, token string, req domain.CreateTaskRequest) (domain.CreateTaskResult, error)
	GetTask(ctx context.Context, token, taskID string) (domain.Task, error)
	ListMyTasks(ctx context.Context, token string) ([]domain.Task, error)
	AcceptTask(ctx context.Context, token, taskID string) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, token, taskID string, status domain.TaskStatus, code string) (domain.Task, error)
	RateTask(ctx context.Context, token, taskID string, rating int, comment string) (domain.Task, error)
	UploadEvidence(ctx context.Context, token, taskID string, up api.EvidenceUpload) (domain.Task, error)
	SetHelperOnline(ctx context.Context, token string, online bool, loc *domain.LatLng) error
	HelperProfile(ctx context.Context, token string) (domain.HelperProfile, error)
}

var _ Backend = (*api.Client)(nil)

// Rooms joins realtime task rooms. The realtime channel implements it.
type Rooms interface {
	SubscribeTask(ctx context.Context, taskID string) error
}

type Options struct {
	Positions     geo.PositionSource
	Geocoder      geo.Geocoder
	Routes        geo.RouteService
	Rooms         Rooms
	Fallback      *domain.LatLng
	OfferCapacity int
	RouteRefresh  time.Duration
	Log           *zap.Logger
	Now           func() time.Time
}

// Intent is a transition that has been requested but not yet confirmed.
type Intent struct {
	Target domain.TaskStatus
	Since  time.Time
}

// View is the local picture of one task: the authoritative snapshot plus
// whatever is still in flight.
type View struct {
	Task     domain.Task
	Pending  *Intent
	Evidence []domain.Evidence
}

type entry struct {
	task      domain.Task
	pending   *Intent
	evidence  map[domain.EvidenceStage]domain.Evidence
	uploading map[domain.EvidenceStage]bool
}

// Controller owns local task state and is the only path that mutates it.
type Controller struct {
	backend Backend
	session session.Handle
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	tasks     map[string]*entry
	offers    []domain.Offer
	observers map[string]*geo.Observer
}

func New(backend Backend, sess session.Handle, opts Options) *Controller {
	if opts.OfferCapacity <= 0 {
		opts.OfferCapacity = DefaultOfferCapacity
	}
	if opts.Geocoder == nil {
		opts.Geocoder = geo.NoGeocoder{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Controller{
		backend:   backend,
		session:   sess,
		opts:      opts,
		log:       opts.Log,
		tasks:     map[string]*entry{},
		observers: map[string]*geo.Observer{},
	}
}

func (c *Controller) now() time.Time {
	if c.opts.Now != nil {
		return c.opts.Now()
	}
	return time.Now()
}

// Create posts a new task and starts tracking it.
func (c *Controller) Create(ctx context.Context, req domain.CreateTaskRequest) (domain.CreateTaskResult, error) {
	res, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.CreateTaskResult, error) {
		return c.backend.CreateTask(ctx, token, req)
	})
	if err != nil {
		return res, err
	}
	if _, err := c.Load(ctx, res.TaskID); err != nil {
		c.log.Warn("loading created task failed", zap.String("task", res.TaskID), zap.Error(err))
	}
	return res, nil
}

// Load fetches the authoritative task and merges it into local state.
func (c *Controller) Load(ctx context.Context, taskID string) (View, error) {
	t, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.Task, error) {
		return c.backend.GetTask(ctx, token, taskID)
	})
	if err != nil {
		return View{}, err
	}
	c.joinRoom(ctx, taskID)
	c.apply(t)
	v, _ := c.View(taskID)
	return v, nil
}

// List refreshes every task the signed-in user posted or was assigned.
func (c *Controller) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := session.Do(ctx, c.session, func(ctx context.Context, token string) ([]domain.Task, error) {
		return c.backend.ListMyTasks(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		c.apply(t)
		v, _ := c.View(t.ID)
		out = append(out, v.Task)
	}
	return out, nil
}

func (c *Controller) View(taskID string) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[taskID]
	if !ok {
		return View{}, false
	}
	v := View{Task: e.task}
	if e.pending != nil {
		p := *e.pending
		v.Pending = &p
	}
	for _, stage := range []domain.EvidenceStage{domain.StageArrival, domain.StageCompletion} {
		if ev, ok := e.evidence[stage]; ok {
			v.Evidence = append(v.Evidence, ev)
		}
	}
	return v, true
}

// apply merges a server snapshot. Snapshots whose status is behind the local
// one are stale and dropped. It reports whether the snapshot was taken.
func (c *Controller) apply(t domain.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[t.ID]
	if !ok {
		c.tasks[t.ID] = &entry{
			task:      t,
			evidence:  map[domain.EvidenceStage]domain.Evidence{},
			uploading: map[domain.EvidenceStage]bool{},
		}
		return true
	}
	if t.Status.Before(e.task.Status) {
		c.log.Debug("dropping stale task snapshot",
			zap.String("task", t.ID), zap.String("got", string(t.Status)), zap.String("have", string(e.task.Status)))
		return false
	}
	e.task = t
	if e.pending != nil && !t.Status.Before(e.pending.Target) {
		e.pending = nil
	}
	return true
}

// applyStatus moves a tracked task forward from a pushed event.
func (c *Controller) applyStatus(taskID string, status domain.TaskStatus, helperID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[taskID]
	if !ok || status.Rank() < 0 || status.Before(e.task.Status) {
		return false
	}
	e.task.Status = status
	if helperID != "" {
		id := helperID
		e.task.AssignedHelperID = &id
	}
	if e.pending != nil && !status.Before(e.pending.Target) {
		e.pending = nil
	}
	return true
}

func (c *Controller) task(ctx context.Context, taskID string) (domain.Task, error) {
	if taskID == "" {
		return domain.Task{}, gateway.Validation("task id is required")
	}
	if v, ok := c.View(taskID); ok {
		return v.Task, nil
	}
	v, err := c.Load(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return v.Task, nil
}

// refresh re-reads the authoritative task after a conflict. Failures are logged
// and the conflict is what the caller sees.
func (c *Controller) refresh(ctx context.Context, taskID string) (domain.Task, bool) {
	v, err := c.Load(ctx, taskID)
	if err != nil {
		c.log.Warn("refreshing task after conflict failed", zap.String("task", taskID), zap.Error(err))
		return domain.Task{}, false
	}
	return v.Task, true
}

func (c *Controller) joinRoom(ctx context.Context, taskID string) {
	if c.opts.Rooms == nil {
		return
	}
	if err := c.opts.Rooms.SubscribeTask(ctx, taskID); err != nil {
		c.log.Debug("joining task room failed", zap.String("task", taskID), zap.Error(err))
	}
}

func (c *Controller) identity() (domain.Identity, error) {
	id, ok := c.session.CurrentIdentity()
	if !ok {
		return domain.Identity{}, session.ErrSignedOut
	}
	return id, nil
}

// HandleEvent applies one realtime push. Status pushes take effect immediately.
func (c *Controller) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.Assigned:
		c.dropOffer(e.TaskID)
		c.applyStatus(e.TaskID, e.Status, e.HelperID)
	case realtime.StatusChanged:
		c.applyStatus(e.TaskID, e.Status, "")
	case realtime.Offered:
		c.addOffer(e.Offer)
	case realtime.LocationUpdate:
		if o := c.Observer(e.TaskID); o != nil {
			o.Apply(ctx, e.Sample())
		}
	default:
		c.log.Debug("ignoring event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

// Run feeds realtime events into the controller until ctx ends or the stream closes.
func (c *Controller) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// Observer returns the tracker for a task's assigned helper, creating it on
// first use. Unknown tasks have none.
func (c *Controller) Observer(taskID string) *geo.Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.observers[taskID]; ok {
		return o
	}
	e, ok := c.tasks[taskID]
	if !ok || !e.task.Location().Valid() {
		return nil
	}
	o := geo.NewObserver(e.task.Location(), geo.ObserverConfig{
		Routes:       c.opts.Routes,
		RouteRefresh: c.opts.RouteRefresh,
		Log:          c.log,
		Now:          c.opts.Now,
	})
	c.observers[taskID] = o
	return o
}

func conflict(message string, cause, sentinel error) error {
	return &gateway.Error{
		Kind:    gateway.KindConflict,
		Status:  http.StatusConflict,
		Code:    gateway.CodeOf(cause),
		Message: message,
		Err:     errors.Join(sentinel, cause),
	}
}
