package geo

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

const geocodeTimeout = 6 * time.Second

// Geocoder turns a position into a human readable address. Lookups are best
// effort: a failed lookup reports false and never an error.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, p domain.LatLng) (string, bool)
}

type ReverseGeocoder struct {
	GW     *gateway.Client
	APIKey string
	Log    *zap.Logger
}

func NewReverseGeocoder(endpoint, apiKey string, log *zap.Logger) *ReverseGeocoder {
	if log == nil {
		log = zap.NewNop()
	}
	gw := gateway.New(endpoint, log)
	gw.Timeout = geocodeTimeout
	return &ReverseGeocoder{GW: gw, APIKey: apiKey, Log: log}
}

type geocodeResponse struct {
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
}

func (g *ReverseGeocoder) ReverseGeocode(ctx context.Context, p domain.LatLng) (string, bool) {
	q := url.Values{}
	q.Set("latlng", coord(p))
	if g.APIKey != "" {
		q.Set("key", g.APIKey)
	}
	var resp geocodeResponse
	if err := g.GW.Do(ctx, gateway.Request{Method: http.MethodGet, Query: q}, &resp); err != nil {
		g.Log.Debug("reverse geocode failed", zap.Error(err))
		return "", false
	}
	for _, r := range resp.Results {
		if r.FormattedAddress != "" {
			return r.FormattedAddress, true
		}
	}
	return "", false
}

// NoGeocoder never resolves an address.
type NoGeocoder struct{}

func (NoGeocoder) ReverseGeocode(context.Context, domain.LatLng) (string, bool) { return "", false }
