package api

import (
	"context"
	"net/http"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

type onlineRequest struct {
	Online bool     `json:"online"`
	Lat    *float64 `json:"lat,omitempty"`
	Lng    *float64 `json:"lng,omitempty"`
}

// KYCSubmission carries identity documents for helper verification.
type KYCSubmission struct {
	FullName string       `validate:"required"`
	IDNumber string       `validate:"required"`
	IDFront  gateway.File `validate:"required"`
	IDBack   gateway.File `validate:"required"`
	Selfie   gateway.File `validate:"required"`
}

type updateMeRequest struct {
	DisplayName string `json:"displayName" validate:"required,max=80"`
}

// SetHelperOnline toggles availability. loc is optional.
func (c *Client) SetHelperOnline(ctx context.Context, token string, online bool, loc *domain.LatLng) error {
	req := onlineRequest{Online: online}
	if loc != nil {
		req.Lat, req.Lng = &loc.Lat, &loc.Lng
	}
	err := c.do(ctx, gateway.Request{Method: http.MethodPut, Path: path("helper", "online"), Body: req, Bearer: token}, nil)
	return wrap("helper online", err)
}

func (c *Client) HelperProfile(ctx context.Context, token string) (domain.HelperProfile, error) {
	var out domain.HelperProfile
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("helper", "profile"), Bearer: token}, &out)
	return out, wrap("helper profile", err)
}

func (c *Client) SubmitKYC(ctx context.Context, token string, sub KYCSubmission) (domain.HelperProfile, error) {
	if err := c.check(sub); err != nil {
		return domain.HelperProfile{}, err
	}
	mp := &gateway.Multipart{}
	mp.Add("fullName", sub.FullName)
	mp.Add("idNumber", sub.IDNumber)
	files := []struct {
		field string
		file  gateway.File
	}{{"idFront", sub.IDFront}, {"idBack", sub.IDBack}, {"selfie", sub.Selfie}}
	for _, f := range files {
		if len(f.file.Data) == 0 {
			return domain.HelperProfile{}, gateway.Validation("%s image is empty", f.field)
		}
		f.file.Field = f.field
		mp.Files = append(mp.Files, f.file)
	}
	var out domain.HelperProfile
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("helper", "kyc", "submit"), Multipart: mp, Bearer: token}, &out)
	return out, wrap("submit kyc", err)
}

func (c *Client) GetMe(ctx context.Context, token string) (domain.MeProfile, error) {
	var out domain.MeProfile
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: path("me"), Bearer: token}, &out)
	return out, wrap("get me", err)
}

func (c *Client) UpdateMe(ctx context.Context, token, displayName string) (domain.MeProfile, error) {
	req := updateMeRequest{DisplayName: displayName}
	if err := c.check(req); err != nil {
		return domain.MeProfile{}, err
	}
	var out domain.MeProfile
	err := c.do(ctx, gateway.Request{Method: http.MethodPut, Path: path("me"), Body: req, Bearer: token}, &out)
	return out, wrap("update me", err)
}
