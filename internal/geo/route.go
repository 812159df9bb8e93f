package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

const routeTimeout = 10 * time.Second

var ErrNoRoute = errors.New("no route")

// Route is a routed path between two points.
type Route struct {
	Points          []domain.LatLng
	DurationSeconds *float64
}

type RouteService interface {
	Route(ctx context.Context, from, to domain.LatLng) (Route, error)
}

// DirectionsClient queries a Google Directions compatible endpoint.
type DirectionsClient struct {
	GW     *gateway.Client
	APIKey string
}

func NewDirectionsClient(endpoint, apiKey string, log *zap.Logger) *DirectionsClient {
	gw := gateway.New(endpoint, log)
	gw.Timeout = routeTimeout
	return &DirectionsClient{GW: gw, APIKey: apiKey}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Duration struct {
				Value float64 `json:"value"`
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
}

func (c *DirectionsClient) Route(ctx context.Context, from, to domain.LatLng) (Route, error) {
	q := url.Values{}
	q.Set("origin", coord(from))
	q.Set("destination", coord(to))
	if c.APIKey != "" {
		q.Set("key", c.APIKey)
	}
	var resp directionsResponse
	if err := c.GW.Do(ctx, gateway.Request{Method: http.MethodGet, Query: q}, &resp); err != nil {
		return Route{}, fmt.Errorf("directions: %w", err)
	}
	if len(resp.Routes) == 0 {
		return Route{}, fmt.Errorf("directions %s: %w", resp.Status, ErrNoRoute)
	}
	first := resp.Routes[0]
	route := Route{Points: DecodePolyline(first.OverviewPolyline.Points)}
	if len(first.Legs) > 0 && first.Legs[0].Duration.Value > 0 {
		d := first.Legs[0].Duration.Value
		route.DurationSeconds = &d
	}
	return route, nil
}

func coord(p domain.LatLng) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}
