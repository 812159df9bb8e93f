package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"errandline/internal/api"
	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/session"
)

// Image is a captured photo ready for upload.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// stageFor maps a task status to the evidence stage that unlocks its next step.
func stageFor(status domain.TaskStatus) (domain.EvidenceStage, bool) {
	switch status {
	case domain.StatusAssigned:
		return domain.StageArrival, true
	case domain.StatusStarted:
		return domain.StageCompletion, true
	}
	return "", false
}

// CaptureEvidence geotags and uploads a checkpoint photo. Each stage accepts a
// single submission; the address lookup never blocks the upload.
func (c *Controller) CaptureEvidence(ctx context.Context, taskID string, stage domain.EvidenceStage, img Image) (domain.Evidence, error) {
	if stage != domain.StageArrival && stage != domain.StageCompletion {
		return domain.Evidence{}, gateway.Validation("unknown evidence stage %q", stage)
	}
	if len(img.Data) == 0 {
		return domain.Evidence{}, gateway.Validation("evidence image is empty")
	}
	if _, err := c.identity(); err != nil {
		return domain.Evidence{}, err
	}
	if _, err := c.task(ctx, taskID); err != nil {
		return domain.Evidence{}, err
	}

	c.mu.Lock()
	e := c.tasks[taskID]
	want, ok := stageFor(e.task.Status)
	switch {
	case !ok || want != stage:
		c.mu.Unlock()
		return domain.Evidence{}, gateway.Validation("%s evidence does not apply to a %s task", stage, e.task.Status)
	case e.task.HasEvidence(stage) || e.uploading[stage]:
		c.mu.Unlock()
		return domain.Evidence{}, gateway.Validation("%s evidence was already submitted", stage)
	}
	if _, done := e.evidence[stage]; done {
		c.mu.Unlock()
		return domain.Evidence{}, gateway.Validation("%s evidence was already submitted", stage)
	}
	e.uploading[stage] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(e.uploading, stage)
		c.mu.Unlock()
	}()

	pos, err := c.position(ctx)
	if err != nil {
		return domain.Evidence{}, err
	}
	ev := domain.Evidence{Stage: stage, Location: pos, CapturedAt: c.now().UTC()}
	if addr, ok := c.opts.Geocoder.ReverseGeocode(ctx, pos); ok {
		ev.AddressText = addr
	}
	name := img.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s.jpg", taskID, stage)
	}
	updated, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.Task, error) {
		return c.backend.UploadEvidence(ctx, token, taskID, api.EvidenceUpload{
			Stage:       stage,
			Lat:         pos.Lat,
			Lng:         pos.Lng,
			AddressText: ev.AddressText,
			CapturedAt:  ev.CapturedAt,
			FileName:    name,
			ContentType: img.ContentType,
			Image:       img.Data,
		})
	})
	if err != nil {
		return domain.Evidence{}, err
	}
	ev.ImageRef = name
	if url := evidenceURL(updated, stage); url != "" {
		ev.ImageRef = url
	}

	c.mu.Lock()
	e.evidence[stage] = ev
	c.mu.Unlock()
	if updated.ID != "" {
		c.apply(updated)
	}
	c.log.Info("evidence uploaded", zap.String("task", taskID), zap.String("stage", string(stage)))
	return ev, nil
}

func evidenceURL(t domain.Task, stage domain.EvidenceStage) string {
	var u *string
	switch stage {
	case domain.StageArrival:
		u = t.ArrivalSelfieURL
	case domain.StageCompletion:
		u = t.CompletionSelfieURL
	}
	if u == nil {
		return ""
	}
	return *u
}

// position reads the device position, falling back to the configured demo
// location when no fix is available.
func (c *Controller) position(ctx context.Context) (domain.LatLng, error) {
	if c.opts.Positions != nil {
		s, err := c.opts.Positions.Current(ctx)
		if err == nil && s.Point().Valid() {
			return s.Point(), nil
		}
		if err != nil {
			c.log.Debug("reading position failed", zap.Error(err))
		}
	}
	if c.opts.Fallback != nil {
		return *c.opts.Fallback, nil
	}
	return domain.LatLng{}, gateway.Validation("current position is unavailable")
}
