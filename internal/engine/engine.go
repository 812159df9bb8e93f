// Package engine holds the dev backend's marketplace rules.
package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"errandline/internal/config"
	"errandline/internal/domain"
	"errandline/internal/engine/auth"
	"errandline/internal/events"
	"errandline/internal/repo"
)

// DefaultOfferRadiusMeters bounds which helpers see a new task.
const DefaultOfferRadiusMeters = 10_000

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   domain.Role
}

// Notifier receives committed changes that connected clients should see.
type Notifier interface {
	TaskOffered(helperID string, offer domain.Offer)
	TaskAssigned(t domain.Task)
	TaskStatusChanged(t domain.Task)
}

type nopNotifier struct{}

func (nopNotifier) TaskOffered(string, domain.Offer) {}
func (nopNotifier) TaskAssigned(domain.Task)         {}
func (nopNotifier) TaskStatusChanged(domain.Task)    {}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Auth         auth.Service
	Config       *config.Config
	Notify       Notifier
	OfferRadiusM float64
	Log          *zap.Logger
	Now          func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth: auth.Service{
			Secret:    []byte(cfg.Dev.JWTSecret),
			AccessTTL: cfg.Dev.AccessTokenTTL,
		},
		Config:       cfg,
		Notify:       nopNotifier{},
		OfferRadiusM: DefaultOfferRadiusMeters,
		Log:          zap.NewNop(),
		Now:          time.Now,
	}
}

// WithClock returns a copy of e whose writers and token service share now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Auth.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(timeLayout)
}

func (e Engine) notifier() Notifier {
	if e.Notify != nil {
		return e.Notify
	}
	return nopNotifier{}
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func newID() string {
	return uuid.NewString()
}

// Kind classifies engine failures for the transport layer.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindUnauthorized
	KindNotFound
	KindConflict
)

// Error is a rule violation with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func invalid(code, format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Code: code, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(code, msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: code, Message: msg}
}

func notFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: what + " not found"}
}

func conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of an engine error, or 0 for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return 0
}

func requireRole(p Principal, role domain.Role) error {
	if p.Role != role {
		return conflict("role_mismatch", "only %s accounts can do this", role)
	}
	return nil
}
