package realtime

import (
	"encoding/json"
	"fmt"

	"errandline/internal/domain"
)

// Wire event names.
const (
	EventAuth          = "auth"
	EventAuthOK        = "auth.ok"
	EventAuthError     = "auth.error"
	EventTaskSubscribe = "task.subscribe"
	EventLocation      = "location.update"

	EventTaskAssigned      = "task_assigned"
	EventTaskStatusChanged = "task_status_changed"
	EventTaskOffered       = "task.offered"
	EventHelperLocation    = "helper.location"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// Event is a decoded server push. The concrete types are Assigned,
// StatusChanged, Offered and LocationUpdate.
type Event interface {
	Name() string
	Task() string
}

// Assigned announces that a helper won a task.
type Assigned struct {
	TaskID   string            `json:"taskId"`
	BuyerID  string            `json:"buyerId"`
	HelperID string            `json:"helperId"`
	Status   domain.TaskStatus `json:"status"`
}

func (Assigned) Name() string   { return EventTaskAssigned }
func (e Assigned) Task() string { return e.TaskID }

type StatusChanged struct {
	TaskID   string            `json:"taskId"`
	BuyerID  string            `json:"buyerId"`
	HelperID string            `json:"helperId"`
	Status   domain.TaskStatus `json:"status"`
}

func (StatusChanged) Name() string   { return EventTaskStatusChanged }
func (e StatusChanged) Task() string { return e.TaskID }

// Offered is a live offer for the receiving helper.
type Offered struct {
	domain.Offer
}

func (Offered) Name() string   { return EventTaskOffered }
func (e Offered) Task() string { return e.TaskID }

type LocationUpdate struct {
	TaskID   string  `json:"taskId"`
	HelperID string  `json:"helperId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	TS       int64   `json:"ts"`
}

func (LocationUpdate) Name() string   { return EventHelperLocation }
func (e LocationUpdate) Task() string { return e.TaskID }

func (e LocationUpdate) Sample() domain.PositionSample {
	return domain.PositionSample{Lat: e.Lat, Lng: e.Lng, TimestampMs: e.TS}
}

// Decode maps a frame to its typed event. Unknown events return (nil, nil).
func Decode(f Frame) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch f.Event {
	case EventTaskAssigned:
		var e Assigned
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventTaskStatusChanged:
		var e StatusChanged
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventTaskOffered:
		var e Offered
		err = json.Unmarshal(f.Data, &e)
		ev = e
	case EventHelperLocation:
		var e LocationUpdate
		err = json.Unmarshal(f.Data, &e)
		ev = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

// AuthPayload opens a connection.
type AuthPayload struct {
	Token string `json:"token"`
}

type AuthError struct {
	Message string `json:"message"`
}

type SubscribePayload struct {
	TaskID string `json:"taskId"`
}

// LocationPayload is the body of an outbound location.update.
type LocationPayload struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	TaskID string  `json:"taskId,omitempty"`
}
