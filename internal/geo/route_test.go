package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

func TestDirectionsClientRoute(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{
			"origin":      r.URL.Query().Get("origin"),
			"destination": r.URL.Query().Get("destination"),
			"key":         r.URL.Query().Get("key"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","routes":[{"overview_polyline":{"points":"_p~iF~ps|U_ulLnnqC"},"legs":[{"duration":{"value":610}}]}]}`))
	}))
	defer srv.Close()

	c := NewDirectionsClient(srv.URL, "k1", nil)
	route, err := c.Route(context.Background(), domain.LatLng{Lat: 12.972, Lng: 77.595}, domain.LatLng{Lat: 12.9716, Lng: 77.5946})
	require.NoError(t, err)
	assert.Equal(t, "12.972,77.595", query["origin"])
	assert.Equal(t, "12.9716,77.5946", query["destination"])
	assert.Equal(t, "k1", query["key"])
	assert.Len(t, route.Points, 2)
	require.NotNil(t, route.DurationSeconds)
	assert.Equal(t, 10, ETAMinutes(0, route.DurationSeconds))
}

func TestDirectionsClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewDirectionsClient(srv.URL, "", nil).Route(context.Background(), domain.LatLng{}, domain.LatLng{Lat: 1, Lng: 1})
	assert.True(t, errors.Is(err, ErrNoRoute))
}

func TestDirectionsClientMissingDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"routes":[{"overview_polyline":{"points":""},"legs":[]}]}`))
	}))
	defer srv.Close()

	route, err := NewDirectionsClient(srv.URL, "", nil).Route(context.Background(), domain.LatLng{}, domain.LatLng{Lat: 1, Lng: 1})
	require.NoError(t, err)
	assert.Nil(t, route.DurationSeconds)
	assert.Empty(t, route.Points)
}

func TestDirectionsClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewDirectionsClient(srv.URL, "", nil).Route(context.Background(), domain.LatLng{}, domain.LatLng{Lat: 1, Lng: 1})
	assert.Equal(t, gateway.KindServer, gateway.KindOf(err))
}

func TestReverseGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("latlng") == "1,2" {
			_, _ = w.Write([]byte(`{"results":[{"formatted_address":""},{"formatted_address":"MG Road, Bengaluru"}]}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewReverseGeocoder(srv.URL, "k", nil)
	addr, ok := g.ReverseGeocode(context.Background(), domain.LatLng{Lat: 1, Lng: 2})
	assert.True(t, ok)
	assert.Equal(t, "MG Road, Bengaluru", addr)

	addr, ok = g.ReverseGeocode(context.Background(), domain.LatLng{Lat: 3, Lng: 4})
	assert.False(t, ok)
	assert.Empty(t, addr)

	_, ok = NoGeocoder{}.ReverseGeocode(context.Background(), domain.LatLng{})
	assert.False(t, ok)
}
