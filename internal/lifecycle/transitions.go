package lifecycle

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/session"
)

// ensureTransition checks a requested move against the lifecycle table before
// anything is sent. hasEvidence reports evidence known locally or on the server.
func ensureTransition(t domain.Task, target domain.TaskStatus, code string, hasEvidence func(domain.EvidenceStage) bool) error {
	switch t.Status {
	case domain.StatusSearching:
		if target == domain.StatusAssigned {
			return gateway.Validation("task %s is assigned by accepting its offer", t.ID)
		}
	case domain.StatusAssigned:
		if target == domain.StatusArrived {
			if !hasEvidence(domain.StageArrival) {
				return gateway.Validation("arrival evidence must be captured before marking arrived")
			}
			return nil
		}
	case domain.StatusArrived:
		if target == domain.StatusStarted {
			if code == "" {
				return gateway.Validation("arrival code is required to start the task")
			}
			return nil
		}
	case domain.StatusStarted:
		if target == domain.StatusCompleted {
			if !hasEvidence(domain.StageCompletion) {
				return gateway.Validation("completion evidence must be captured before completing")
			}
			if code == "" {
				return gateway.Validation("completion code is required to complete the task")
			}
			return nil
		}
	}
	return gateway.Validation("invalid task status transition %s -> %s", t.Status, target)
}

// Advance requests the next lifecycle step for a task assigned to the signed-in
// helper. The local status only moves once the server confirms it.
func (c *Controller) Advance(ctx context.Context, taskID string, target domain.TaskStatus, code string) (domain.Task, error) {
	code = strings.TrimSpace(code)
	if target.Rank() < 0 {
		return domain.Task{}, gateway.Validation("unknown task status %q", target)
	}
	me, err := c.identity()
	if err != nil {
		return domain.Task{}, err
	}
	if me.Role != domain.RoleHelper {
		return domain.Task{}, gateway.Validation("only the assigned helper can advance a task")
	}
	t, err := c.task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.AssignedHelperID != nil && *t.AssignedHelperID != me.ID {
		return domain.Task{}, gateway.Validation("task %s is assigned to another helper", taskID)
	}

	c.mu.Lock()
	e := c.tasks[taskID]
	t = e.task
	if err := ensureTransition(t, target, code, func(stage domain.EvidenceStage) bool {
		_, local := e.evidence[stage]
		return local || t.HasEvidence(stage)
	}); err != nil {
		c.mu.Unlock()
		return domain.Task{}, err
	}
	if e.pending != nil {
		c.mu.Unlock()
		return domain.Task{}, gateway.Validation("a move to %s is already in flight", e.pending.Target)
	}
	intent := &Intent{Target: target, Since: c.now()}
	e.pending = intent
	c.mu.Unlock()

	updated, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.Task, error) {
		return c.backend.UpdateTaskStatus(ctx, token, taskID, target, code)
	})

	c.mu.Lock()
	if e.pending == intent {
		e.pending = nil
	}
	c.mu.Unlock()

	if err != nil {
		if gateway.IsConflict(err) {
			c.refresh(ctx, taskID)
		}
		c.log.Info("task transition rejected", zap.String("task", taskID), zap.String("target", string(target)), zap.Error(err))
		return domain.Task{}, err
	}
	c.apply(updated)
	v, _ := c.View(taskID)
	c.log.Info("task advanced", zap.String("task", taskID), zap.String("status", string(v.Task.Status)))
	return v.Task, nil
}

// Accept claims an offered task. Losing the race drops the offer and returns
// a conflict wrapping ErrOfferGone; the task state is left alone.
func (c *Controller) Accept(ctx context.Context, taskID string) (domain.Task, error) {
	if taskID == "" {
		return domain.Task{}, gateway.Validation("task id is required")
	}
	me, err := c.identity()
	if err != nil {
		return domain.Task{}, err
	}
	if me.Role != domain.RoleHelper {
		return domain.Task{}, gateway.Validation("only helpers can accept offers")
	}
	t, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.Task, error) {
		return c.backend.AcceptTask(ctx, token, taskID)
	})
	if err != nil {
		if gateway.IsConflict(err) {
			c.dropOffer(taskID)
			c.log.Info("offer no longer available", zap.String("task", taskID))
			return domain.Task{}, conflict("offer expired or taken", err, ErrOfferGone)
		}
		return domain.Task{}, err
	}
	c.dropOffer(taskID)
	if t.ID == "" {
		t.ID = taskID
	}
	c.apply(t)
	c.joinRoom(ctx, taskID)
	v, _ := c.View(taskID)
	return v.Task, nil
}

// Rate leaves the signed-in user's rating on a completed task. A second rating
// is never retried: the existing task is returned with ErrAlreadyRated.
func (c *Controller) Rate(ctx context.Context, taskID string, stars int, comment string) (domain.Task, error) {
	if stars < 1 || stars > 5 {
		return domain.Task{}, gateway.Validation("rating must be between 1 and 5")
	}
	me, err := c.identity()
	if err != nil {
		return domain.Task{}, err
	}
	t, err := c.task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusCompleted {
		return domain.Task{}, gateway.Validation("task %s is %s; only completed tasks can be rated", taskID, t.Status)
	}
	if _, rated := t.RatingBy(me.Role); rated {
		return t, conflict("task already rated", nil, ErrAlreadyRated)
	}
	updated, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.Task, error) {
		return c.backend.RateTask(ctx, token, taskID, stars, strings.TrimSpace(comment))
	})
	if err != nil {
		if gateway.IsConflict(err) {
			if fresh, ok := c.refresh(ctx, taskID); ok {
				t = fresh
			}
			return t, conflict("task already rated", err, ErrAlreadyRated)
		}
		return domain.Task{}, err
	}
	c.apply(updated)
	v, _ := c.View(taskID)
	return v.Task, nil
}
