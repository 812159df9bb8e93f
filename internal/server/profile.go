package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"errandline/internal/domain"
	"errandline/internal/engine"
)

type OnlineRequest struct {
	Online bool     `json:"online"`
	Lat    *float64 `json:"lat,omitempty" minimum:"-90" maximum:"90"`
	Lng    *float64 `json:"lng,omitempty" minimum:"-180" maximum:"180"`
}

type UpdateMeRequest struct {
	DisplayName string `json:"displayName" minLength:"1" maxLength:"80"`
}

type meOutput struct {
	Body domain.MeProfile `json:"body"`
}

type helperProfileOutput struct {
	Body domain.HelperProfile `json:"body"`
}

func registerProfile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current account",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		me, err := e.Me(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &meOutput{Body: me}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPut,
		Path:        "/me",
		Summary:     "Change the display name",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateMeRequest `json:"body"`
	}) (*meOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		me, err := e.UpdateMe(ctx, p, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &meOutput{Body: me}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "helper-online",
		Method:        http.MethodPut,
		Path:          "/helper/online",
		Summary:       "Toggle helper availability",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body OnlineRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var pos *domain.LatLng
		if input.Body.Lat != nil && input.Body.Lng != nil {
			pos = &domain.LatLng{Lat: *input.Body.Lat, Lng: *input.Body.Lng}
		}
		if err := e.SetOnline(ctx, p, input.Body.Online, pos); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "helper-profile",
		Method:      http.MethodGet,
		Path:        "/helper/profile",
		Summary:     "Helper verification status",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*helperProfileOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prof, err := e.HelperProfile(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &helperProfileOutput{Body: prof}, nil
	})
}

type KYCDecisionRequest struct {
	Status domain.KYCStatus `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	Reason *string          `json:"reason,omitempty"`
}

// registerDev mounts reviewer shortcuts that only exist on the dev backend.
func registerDev(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-decide-kyc",
		Method:      http.MethodPost,
		Path:        "/dev/helpers/{id}/kyc",
		Summary:     "Approve or reject a helper",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body KYCDecisionRequest `json:"body"`
	}) (*helperProfileOutput, error) {
		reason := ""
		if input.Body.Reason != nil {
			reason = *input.Body.Reason
		}
		prof, err := e.DecideKYC(ctx, input.ID, input.Body.Status, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &helperProfileOutput{Body: prof}, nil
	})
}
