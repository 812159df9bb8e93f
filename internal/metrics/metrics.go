package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	errandline = "errandline"

	gatewayRequestsTotal = "gateway_requests_total"
	gatewayRetriesTotal  = "gateway_retries_total"
	sessionRenewalsTotal = "session_renewals_total"
	realtimeConnected    = "realtime_connected"
	realtimeReconnects   = "realtime_reconnects_total"
	realtimeEventsTotal  = "realtime_events_total"
	locationPublishTotal = "location_publish_total"
	serverRequestsTotal  = "server_requests_total"
	hubPeers             = "hub_peers"

	// Labels
	methodLabel  = "method"
	outcomeLabel = "outcome"
	eventLabel   = "event"
	kindLabel    = "kind"
	routeLabel   = "route"
	statusLabel  = "status"
)

var gatewayRequestsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      gatewayRequestsTotal,
		Help:      "number of backend requests by method and outcome",
	},
	[]string{methodLabel, outcomeLabel},
)

var gatewayRetriesMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      gatewayRetriesTotal,
		Help:      "number of backend request retries",
	},
)

var sessionRenewalsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      sessionRenewalsTotal,
		Help:      "number of refresh exchanges by outcome",
	},
	[]string{outcomeLabel},
)

var realtimeConnectedMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: errandline,
		Name:      realtimeConnected,
		Help:      "1 while the realtime channel is connected",
	},
)

var realtimeReconnectsMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      realtimeReconnects,
		Help:      "number of realtime reconnect attempts",
	},
)

var realtimeEventsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      realtimeEventsTotal,
		Help:      "number of realtime events received by name",
	},
	[]string{eventLabel},
)

var locationPublishMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      locationPublishTotal,
		Help:      "number of location publications by kind",
	},
	[]string{kindLabel},
)

var serverRequestsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: errandline,
		Name:      serverRequestsTotal,
		Help:      "number of dev backend requests by route and status",
	},
	[]string{methodLabel, routeLabel, statusLabel},
)

var hubPeersMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: errandline,
		Name:      hubPeers,
		Help:      "number of authenticated realtime sockets on the dev backend",
	},
)

func IncreaseGatewayRequestsMetric(method, outcome string) {
	gatewayRequestsMetric.With(prometheus.Labels{methodLabel: method, outcomeLabel: outcome}).Inc()
}

func IncreaseGatewayRetriesMetric() {
	gatewayRetriesMetric.Inc()
}

func IncreaseSessionRenewalsMetric(outcome string) {
	sessionRenewalsMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func UpdateRealtimeConnectedMetric(connected bool) {
	if connected {
		realtimeConnectedMetric.Set(1)
		return
	}
	realtimeConnectedMetric.Set(0)
}

func IncreaseRealtimeReconnectsMetric() {
	realtimeReconnectsMetric.Inc()
}

func IncreaseRealtimeEventsMetric(event string) {
	realtimeEventsMetric.With(prometheus.Labels{eventLabel: event}).Inc()
}

func IncreaseLocationPublishMetric(kind string) {
	locationPublishMetric.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func IncreaseServerRequestsMetric(method, route string, status int) {
	serverRequestsMetric.With(prometheus.Labels{methodLabel: method, routeLabel: route, statusLabel: strconv.Itoa(status)}).Inc()
}

func AddHubPeersMetric(delta float64) {
	hubPeersMetric.Add(delta)
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(gatewayRequestsMetric)
	prometheus.MustRegister(gatewayRetriesMetric)
	prometheus.MustRegister(sessionRenewalsMetric)
	prometheus.MustRegister(realtimeConnectedMetric)
	prometheus.MustRegister(realtimeReconnectsMetric)
	prometheus.MustRegister(realtimeEventsMetric)
	prometheus.MustRegister(locationPublishMetric)
	prometheus.MustRegister(serverRequestsMetric)
	prometheus.MustRegister(hubPeersMetric)
}
