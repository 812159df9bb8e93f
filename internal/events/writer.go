package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task event types.
const (
	TaskCreated  = "task.created"
	TaskOffered  = "task.offered"
	TaskAssigned = "task.assigned"
	TaskStatus   = "task.status"
	TaskEvidence = "task.evidence"
	TaskRated    = "task.rated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records a task event inside tx so it commits with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,type,task_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, taskID, actorID, string(data))
	return err
}
