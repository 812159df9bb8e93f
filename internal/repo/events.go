package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"errandline/internal/domain"
)

// TaskEvents returns the task's audit log, oldest first, after the cursor.
func (r Repo) TaskEvents(ctx context.Context, taskID string, cursor int64, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,task_id,actor_id,payload_json FROM task_events WHERE task_id=? AND id>? ORDER BY id LIMIT ?`,
		taskID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TaskEvent{}
	for rows.Next() {
		var e domain.TaskEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
