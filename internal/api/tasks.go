package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

type statusRequest struct {
	Status domain.TaskStatus `json:"status"`
	OTP    *string           `json:"otp,omitempty"`
}

type ratingRequest struct {
	Rating  int     `json:"rating" validate:"gte=1,lte=5"`
	Comment *string `json:"comment,omitempty"`
}

// EvidenceUpload is the multipart payload for a checkpoint photo.
type EvidenceUpload struct {
	Stage       domain.EvidenceStage `validate:"required,oneof=ARRIVAL COMPLETION"`
	Lat         float64              `validate:"latitude"`
	Lng         float64              `validate:"longitude"`
	AddressText string
	CapturedAt  time.Time
	FileName    string `validate:"required"`
	ContentType string
	Image       []byte `validate:"required"`
}

func (c *Client) CreateTask(ctx context.Context, token string, req domain.CreateTaskRequest) (domain.CreateTaskResult, error) {
	if err := c.check(req); err != nil {
		return domain.CreateTaskResult{}, err
	}
	var out domain.CreateTaskResult
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("tasks"), Body: req, Bearer: token}, &out)
	return out, wrap("create task", err)
}

// AcceptTask claims an offered task. A conflict means another helper won.
func (c *Client) AcceptTask(ctx context.Context, token, taskID string) (domain.Task, error) {
	if err := requireID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("tasks", taskID, "accept"), Bearer: token}, &out)
	return out, wrap("accept task", err)
}

// UpdateTaskStatus requests a transition. code is the checkpoint OTP, empty when not needed.
func (c *Client) UpdateTaskStatus(ctx context.Context, token, taskID string, status domain.TaskStatus, code string) (domain.Task, error) {
	if err := requireID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	req := statusRequest{Status: status}
	if code != "" {
		req.OTP = &code
	}
	var out domain.Task
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("tasks", taskID, "status"), Body: req, Bearer: token}, &out)
	return out, wrap("update task status", err)
}

func (c *Client) RateTask(ctx context.Context, token, taskID string, rating int, comment string) (domain.Task, error) {
	if err := requireID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	req := ratingRequest{Rating: rating}
	if comment != "" {
		req.Comment = &comment
	}
	if err := c.check(req); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("tasks", taskID, "rating"), Body: req, Bearer: token}, &out)
	return out, wrap("rate task", err)
}

// UploadEvidence sends a checkpoint photo with its geotag.
func (c *Client) UploadEvidence(ctx context.Context, token, taskID string, up EvidenceUpload) (domain.Task, error) {
	if err := requireID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	if err := c.check(up); err != nil {
		return domain.Task{}, err
	}
	mp := &gateway.Multipart{}
	mp.Add("stage", string(up.Stage))
	mp.Add("lat", strconv.FormatFloat(up.Lat, 'f', -1, 64))
	mp.Add("lng", strconv.FormatFloat(up.Lng, 'f', -1, 64))
	if up.AddressText != "" {
		mp.Add("addressText", up.AddressText)
	}
	if !up.CapturedAt.IsZero() {
		mp.Add("capturedAt", up.CapturedAt.UTC().Format(time.RFC3339))
	}
	ct := up.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	mp.Files = append(mp.Files, gateway.File{Field: "selfie", Name: up.FileName, ContentType: ct, Data: up.Image})

	var out domain.Task
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("tasks", taskID, "selfie"), Multipart: mp, Bearer: token}, &out)
	return out, wrap("upload evidence", err)
}

func (c *Client) GetTask(ctx context.Context, token, taskID string) (domain.Task, error) {
	if err := requireID("task id", taskID); err != nil {
		return domain.Task{}, err
	}
	var out domain.Task
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("tasks", taskID), Bearer: token}, &out)
	return out, wrap("get task", err)
}

// ListMyTasks returns tasks the caller posted or is assigned to. A non-array body yields none.
func (c *Client) ListMyTasks(ctx context.Context, token string) ([]domain.Task, error) {
	var raw json.RawMessage
	if err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("tasks", "mine"), Bearer: token}, &raw); err != nil {
		return nil, wrap("list tasks", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return []domain.Task{}, nil
	}
	var tasks []domain.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, &gateway.Error{Kind: gateway.KindServer, Message: "malformed task list", Err: err}
	}
	return tasks, nil
}

// ListTaskEvents pages through a task's audit log. after is the last event id
// already seen; zero starts from the beginning.
func (c *Client) ListTaskEvents(ctx context.Context, token, taskID string, after int64, limit int) ([]domain.TaskEvent, error) {
	if err := requireID("task id", taskID); err != nil {
		return nil, err
	}
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.TaskEvent
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("tasks", taskID, "events"), Query: q, Bearer: token}, &out)
	if out == nil && err == nil {
		out = []domain.TaskEvent{}
	}
	return out, wrap("task events", err)
}
