package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/engine/auth"
	"errandline/internal/events"
	"errandline/internal/geo"
	"errandline/internal/repo"
)

// CreateTask stores a SEARCHING task and offers it to nearby helpers.
func (e Engine) CreateTask(ctx context.Context, p Principal, req domain.CreateTaskRequest) (domain.CreateTaskResult, error) {
	if err := requireRole(p, domain.RoleBuyer); err != nil {
		return domain.CreateTaskResult{}, err
	}
	if err := validateCreate(req); err != nil {
		return domain.CreateTaskResult{}, err
	}
	t := domain.Task{
		ID:          newID(),
		BuyerID:     p.UserID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Urgency:     req.Urgency,
		TimeMinutes: req.TimeMinutes,
		BudgetPaise: req.BudgetPaise,
		Lat:         req.Lat,
		Lng:         req.Lng,
		AddressText: req.AddressText,
		Status:      domain.StatusSearching,
		CreatedAt:   e.stamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreateTaskResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.CreateTaskResult{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, t.ID, p.UserID, events.EventPayload{"budgetPaise": t.BudgetPaise, "urgency": t.Urgency}); err != nil {
		return domain.CreateTaskResult{}, err
	}
	helpers, err := e.Repo.AvailableHelpers(ctx, tx)
	if err != nil {
		return domain.CreateTaskResult{}, err
	}
	var offers []domain.Offer
	for _, h := range helpers {
		d := geo.Distance(t.Location(), domain.LatLng{Lat: *h.Lat, Lng: *h.Lng})
		if d > e.offerRadius() {
			continue
		}
		if err := e.Repo.InsertOffer(ctx, tx, t.ID, h.UserID, d, t.CreatedAt); err != nil {
			return domain.CreateTaskResult{}, err
		}
		offers = append(offers, offerFor(t, h.UserID, d))
	}
	if len(offers) > 0 {
		if err := e.Events.Append(ctx, tx, events.TaskOffered, t.ID, p.UserID, events.EventPayload{"helpers": len(offers)}); err != nil {
			return domain.CreateTaskResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.CreateTaskResult{}, err
	}

	res := domain.CreateTaskResult{TaskID: t.ID, OfferedTo: []string{}}
	for _, o := range offers {
		res.OfferedTo = append(res.OfferedTo, o.HelperID)
		e.notifier().TaskOffered(o.HelperID, o)
	}
	e.logger().Info("task created", zap.String("task", t.ID), zap.Int("offers", len(offers)))
	return res, nil
}

func (e Engine) offerRadius() float64 {
	if e.OfferRadiusM > 0 {
		return e.OfferRadiusM
	}
	return DefaultOfferRadiusMeters
}

func offerFor(t domain.Task, helperID string, d float64) domain.Offer {
	return domain.Offer{
		HelperID:       helperID,
		TaskID:         t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Urgency:        t.Urgency,
		TimeMinutes:    t.TimeMinutes,
		BudgetPaise:    t.BudgetPaise,
		Lat:            t.Lat,
		Lng:            t.Lng,
		DistanceMeters: d,
	}
}

func validateCreate(req domain.CreateTaskRequest) error {
	if strings.TrimSpace(req.Title) == "" || len(req.Title) > 200 {
		return invalid("invalid_title", "title must be 1 to 200 characters")
	}
	if len(req.Description) > 4000 {
		return invalid("invalid_description", "description is too long")
	}
	if _, err := domain.ParseUrgency(string(req.Urgency)); err != nil {
		return invalid("invalid_urgency", "%v", err)
	}
	if req.TimeMinutes < 1 {
		return invalid("invalid_time", "timeMinutes must be at least 1")
	}
	if req.BudgetPaise < 0 {
		return invalid("invalid_budget", "budgetPaise must not be negative")
	}
	if !(domain.LatLng{Lat: req.Lat, Lng: req.Lng}).Valid() {
		return invalid("invalid_location", "lat/lng out of range")
	}
	return nil
}

// visible loads a task the principal may see: its buyer, its helper, or a
// helper it is still on offer to. Anything else is reported as not found.
func (e Engine) visible(ctx context.Context, tx *sql.Tx, p Principal, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task")
	}
	if err != nil {
		return t, err
	}
	if t.BuyerID == p.UserID || assignedTo(t, p.UserID) {
		return t, nil
	}
	if p.Role == domain.RoleHelper && t.Status == domain.StatusSearching {
		ok, err := e.Repo.OfferedTo(ctx, tx, t.ID, p.UserID)
		if err != nil {
			return t, err
		}
		if ok {
			return t, nil
		}
	}
	return domain.Task{}, notFound("task")
}

func assignedTo(t domain.Task, userID string) bool {
	return t.AssignedHelperID != nil && *t.AssignedHelperID == userID
}

// redact hides the checkpoint codes from everyone but the buyer, who reads
// them out to the helper on site.
func redact(t domain.Task, p Principal) domain.Task {
	if t.BuyerID != p.UserID {
		t.ArrivalOTP, t.CompletionOTP = nil, nil
	}
	return t
}

func (e Engine) GetTask(ctx context.Context, p Principal, taskID string) (domain.Task, error) {
	t, err := e.visible(ctx, nil, p, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return redact(t, p), nil
}

func (e Engine) ListMyTasks(ctx context.Context, p Principal) ([]domain.Task, error) {
	tasks, err := e.Repo.ListTasksForUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i] = redact(tasks[i], p)
	}
	return tasks, nil
}

// TaskEvents returns the audit log of a task the principal can see.
func (e Engine) TaskEvents(ctx context.Context, p Principal, taskID string, cursor int64, limit int) ([]domain.TaskEvent, error) {
	if _, err := e.visible(ctx, nil, p, taskID); err != nil {
		return nil, err
	}
	return e.Repo.TaskEvents(ctx, taskID, cursor, limit)
}

// CanJoin reports whether the principal may follow a task's realtime room.
func (e Engine) CanJoin(ctx context.Context, p Principal, taskID string) error {
	_, err := e.visible(ctx, nil, p, taskID)
	return err
}

// AcceptTask assigns a searching task to the calling helper. The first helper
// wins; everyone after gets a task_taken conflict.
func (e Engine) AcceptTask(ctx context.Context, p Principal, taskID string) (domain.Task, error) {
	if err := requireRole(p, domain.RoleHelper); err != nil {
		return domain.Task{}, err
	}
	profile, err := e.Repo.GetHelperProfile(ctx, p.UserID)
	if err != nil {
		return domain.Task{}, err
	}
	if profile.KYCStatus != domain.KYCApproved {
		return domain.Task{}, invalid("kyc_not_approved", "verification is %s", strings.ToLower(string(profile.KYCStatus)))
	}
	arrival, err := auth.NewOTP()
	if err != nil {
		return domain.Task{}, err
	}
	completion, err := auth.NewOTP()
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, notFound("task")
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.BuyerID == p.UserID {
		return domain.Task{}, invalid("own_task", "cannot accept your own task")
	}
	err = e.Repo.AssignTask(ctx, tx, taskID, p.UserID, arrival, completion)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, conflict("task_taken", "task is no longer available")
	}
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskAssigned, taskID, p.UserID, events.EventPayload{"helperId": p.UserID}); err != nil {
		return domain.Task{}, err
	}
	if t, err = e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.notifier().TaskAssigned(t)
	e.logger().Info("task assigned", zap.String("task", taskID), zap.String("helper", p.UserID))
	return redact(t, p), nil
}

// ensureTransition enforces the one-step-forward lifecycle and the
// checkpoint requirements of the target status.
func ensureTransition(t domain.Task, target domain.TaskStatus, code string) error {
	next, ok := t.Status.Next()
	if !ok || next != target {
		return conflict("invalid_transition", "invalid task status transition %s -> %s", t.Status, target)
	}
	switch target {
	case domain.StatusArrived:
		if !t.HasEvidence(domain.StageArrival) {
			return conflict("evidence_required", "arrival photo required before ARRIVED")
		}
	case domain.StatusStarted:
		if t.ArrivalOTP == nil || code != *t.ArrivalOTP {
			return conflict("invalid_otp", "arrival code does not match")
		}
	case domain.StatusCompleted:
		if !t.HasEvidence(domain.StageCompletion) {
			return conflict("evidence_required", "completion photo required before COMPLETED")
		}
		if t.CompletionOTP == nil || code != *t.CompletionOTP {
			return conflict("invalid_otp", "completion code does not match")
		}
	default:
		return invalid("invalid_status", "status %s cannot be requested", target)
	}
	return nil
}

// UpdateStatus advances a task on behalf of its assigned helper. Consumed
// checkpoint codes are cleared so they cannot be replayed.
func (e Engine) UpdateStatus(ctx context.Context, p Principal, taskID string, target domain.TaskStatus, code string) (domain.Task, error) {
	if target.Rank() < 0 {
		return domain.Task{}, invalid("invalid_status", "unknown status %q", target)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.visible(ctx, tx, p, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !assignedTo(t, p.UserID) {
		return domain.Task{}, conflict("not_assigned_helper", "only the assigned helper can update this task")
	}
	if err := ensureTransition(t, target, strings.TrimSpace(code)); err != nil {
		return domain.Task{}, err
	}
	from := t.Status
	t.Status = target
	switch target {
	case domain.StatusStarted:
		t.ArrivalOTP = nil
	case domain.StatusCompleted:
		t.CompletionOTP = nil
		if err := e.settle(ctx, tx, t); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskStatus, taskID, p.UserID, events.EventPayload{"from": from, "to": target}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.notifier().TaskStatusChanged(t)
	e.logger().Info("task status changed", zap.String("task", taskID), zap.String("from", string(from)), zap.String("to", string(target)))
	return redact(t, p), nil
}

// settle moves the budget from the buyer's demo wallet to the helper's.
func (e Engine) settle(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.BudgetPaise == 0 || t.AssignedHelperID == nil {
		return nil
	}
	if err := e.Repo.AdjustBalance(ctx, tx, t.BuyerID, -t.BudgetPaise); err != nil {
		return err
	}
	return e.Repo.AdjustBalance(ctx, tx, *t.AssignedHelperID, t.BudgetPaise)
}

// Evidence is an uploaded checkpoint photo with its geotag.
type Evidence struct {
	Stage       domain.EvidenceStage
	Location    domain.LatLng
	AddressText string
	CapturedAt  time.Time
	FileName    string
	ContentType string
	Data        []byte
}

// UploadEvidence stores the photo for the stage the task is waiting on.
// Each stage accepts exactly one photo.
func (e Engine) UploadEvidence(ctx context.Context, p Principal, taskID string, ev Evidence) (domain.Task, error) {
	if len(ev.Data) == 0 {
		return domain.Task{}, invalid("missing_file", "selfie image is required")
	}
	if !ev.Location.Valid() {
		return domain.Task{}, invalid("invalid_location", "lat/lng out of range")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.visible(ctx, tx, p, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !assignedTo(t, p.UserID) {
		return domain.Task{}, conflict("not_assigned_helper", "only the assigned helper can upload evidence")
	}
	var want domain.TaskStatus
	switch ev.Stage {
	case domain.StageArrival:
		want = domain.StatusAssigned
	case domain.StageCompletion:
		want = domain.StatusStarted
	default:
		return domain.Task{}, invalid("invalid_stage", "stage must be ARRIVAL or COMPLETION")
	}
	if t.HasEvidence(ev.Stage) {
		return domain.Task{}, conflict("evidence_exists", "%s photo already submitted", strings.ToLower(string(ev.Stage)))
	}
	if t.Status != want {
		return domain.Task{}, conflict("invalid_stage", "%s photo is taken while the task is %s", strings.ToLower(string(ev.Stage)), want)
	}

	up := repo.Upload{
		ID:          newID(),
		OwnerID:     p.UserID,
		FileName:    ev.FileName,
		ContentType: ev.ContentType,
		Data:        ev.Data,
		CreatedAt:   e.stamp(),
	}
	if up.ContentType == "" {
		up.ContentType = "image/jpeg"
	}
	if err := e.Repo.InsertUpload(ctx, tx, up); err != nil {
		return domain.Task{}, err
	}
	url := UploadPath(up.ID)
	captured := ev.CapturedAt
	if captured.IsZero() {
		captured = e.now()
	}
	at := captured.UTC().Format(time.RFC3339)
	lat, lng := ev.Location.Lat, ev.Location.Lng
	var addr *string
	if ev.AddressText != "" {
		addr = &ev.AddressText
	}
	switch ev.Stage {
	case domain.StageArrival:
		t.ArrivalSelfieURL, t.ArrivalSelfieLat, t.ArrivalSelfieLng = &url, &lat, &lng
		t.ArrivalSelfieAddress, t.ArrivalSelfieCapturedAt = addr, &at
	case domain.StageCompletion:
		t.CompletionSelfieURL, t.CompletionSelfieLat, t.CompletionSelfieLng = &url, &lat, &lng
		t.CompletionSelfieAddress, t.CompletionSelfieCapturedAt = addr, &at
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskEvidence, taskID, p.UserID, events.EventPayload{"stage": ev.Stage, "upload": up.ID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return redact(t, p), nil
}

// UploadPath is where an upload is served.
func UploadPath(id string) string {
	return "/uploads/" + id
}

// RateTask records the caller's rating of a completed task, once per side.
func (e Engine) RateTask(ctx context.Context, p Principal, taskID string, stars int, comment string) (domain.Task, error) {
	if stars < 1 || stars > 5 {
		return domain.Task{}, invalid("invalid_rating", "rating must be between 1 and 5")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.visible(ctx, tx, p, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusCompleted {
		return domain.Task{}, conflict("not_completed", "only completed tasks can be rated")
	}
	var role domain.Role
	switch {
	case t.BuyerID == p.UserID:
		role = domain.RoleBuyer
	case assignedTo(t, p.UserID):
		role = domain.RoleHelper
	default:
		return domain.Task{}, notFound("task")
	}
	if _, rated := t.RatingBy(role); rated {
		return domain.Task{}, conflict("already_rated", "task already rated")
	}
	at := e.now().UTC().Format(time.RFC3339)
	var note *string
	if c := strings.TrimSpace(comment); c != "" {
		note = &c
	}
	if role == domain.RoleBuyer {
		t.BuyerRating, t.BuyerRatingComment, t.BuyerRatedAt = &stars, note, &at
	} else {
		t.HelperRating, t.HelperRatingComment, t.HelperRatedAt = &stars, note, &at
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskRated, taskID, p.UserID, events.EventPayload{"role": role, "rating": stars}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return redact(t, p), nil
}

// RecordLocation stores a helper's position. With a task id it also returns
// the task, provided the helper is actively assigned to it.
func (e Engine) RecordLocation(ctx context.Context, p Principal, pos domain.LatLng, taskID string) (*domain.Task, error) {
	if err := requireRole(p, domain.RoleHelper); err != nil {
		return nil, err
	}
	if !pos.Valid() {
		return nil, invalid("invalid_location", "lat/lng out of range")
	}
	if err := e.Repo.UpdateHelperPosition(ctx, p.UserID, pos, e.stamp()); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, nil
	}
	t, err := e.visible(ctx, nil, p, taskID)
	if err != nil {
		return nil, err
	}
	if !assignedTo(t, p.UserID) || t.Status.Terminal() {
		return nil, conflict("not_tracking", "task is not being tracked")
	}
	return &t, nil
}
