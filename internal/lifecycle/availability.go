package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/session"
)

// GoOnline makes the signed-in helper eligible for offers. Helpers whose KYC is
// not approved are refused without contacting the availability endpoint.
func (c *Controller) GoOnline(ctx context.Context) (*domain.LatLng, error) {
	me, err := c.identity()
	if err != nil {
		return nil, err
	}
	if me.Role != domain.RoleHelper {
		return nil, gateway.Validation("only helpers can go online")
	}
	profile, err := session.Do(ctx, c.session, func(ctx context.Context, token string) (domain.HelperProfile, error) {
		return c.backend.HelperProfile(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	if profile.KYCStatus != domain.KYCApproved {
		status := profile.KYCStatus
		if status == "" {
			status = "NOT_SUBMITTED"
		}
		return nil, gateway.Validation("KYC is %s; approval is required before going online", status)
	}
	var loc *domain.LatLng
	if p, err := c.position(ctx); err == nil {
		loc = &p
	} else {
		c.log.Info("going online without a position")
	}
	err = session.Exec(ctx, c.session, func(ctx context.Context, token string) error {
		return c.backend.SetHelperOnline(ctx, token, true, loc)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("helper online", zap.String("helper", me.ID))
	return loc, nil
}

func (c *Controller) GoOffline(ctx context.Context) error {
	err := session.Exec(ctx, c.session, func(ctx context.Context, token string) error {
		return c.backend.SetHelperOnline(ctx, token, false, nil)
	})
	if err != nil {
		return err
	}
	c.log.Info("helper offline")
	return nil
}
