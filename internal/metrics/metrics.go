// Package metrics declares the Prometheus collectors of the balancer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client side
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_connections_total",
		Help: "Total number of accepted client connections by service",
	}, []string{"service"})

	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcpvs_active_connections",
		Help: "Client connections currently handled by service",
	}, []string{"service"})

	WorkerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_worker_rejections_total",
		Help: "Client connections dropped because the worker pool was saturated",
	}, []string{"service"})

	// Scheduling verdicts: selected, handled, redirect, failed
	ScheduleResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_schedule_results_total",
		Help: "Scheduler verdicts by service, scheduler and result",
	}, []string{"service", "scheduler", "result"})

	ParseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_parse_errors_total",
		Help: "Malformed HTTP messages by service and kind",
	}, []string{"service", "kind"}) // kind: request_line, too_long

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_requests_total",
		Help: "Requests relayed over persistent connections by service, destination and status code",
	}, []string{"service", "destination", "status_code"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tcpvs_request_duration_seconds",
		Help:    "Time from request line to end of response relay by service and destination",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "destination"})

	RelayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_relay_errors_total",
		Help: "Backend connections discarded because of a relay error",
	}, []string{"service", "destination"})

	// Destinations
	DestinationActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcpvs_destination_active",
		Help: "Whether a destination is considered reachable (1) or not (0)",
	}, []string{"service", "destination"})

	DestinationConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcpvs_destination_connections",
		Help: "Live connections scheduled to a destination",
	}, []string{"service", "destination"})

	ConnectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpvs_connect_failures_total",
		Help: "Failed connection attempts to destinations",
	}, []string{"destination"})

	// Backend connection pool
	PoolConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcpvs_pool_connections",
		Help: "Backend connections currently owned by the pool, idle or checked out",
	})

	PoolHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_pool_hits_total",
		Help: "Pool lookups served by an idle backend connection",
	})

	PoolMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_pool_misses_total",
		Help: "Pool lookups that found no idle backend connection",
	})

	PoolExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_pool_expired_total",
		Help: "Idle backend connections closed by the keep-alive timer",
	})

	// Control plane
	RulesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcpvs_rules_total",
		Help: "Rules loaded per service",
	}, []string{"service"})

	RulesLastLoadTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcpvs_rules_last_load_timestamp_seconds",
		Help: "Timestamp of last successful configuration load",
	})

	ConfigReloadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_config_reload_total",
		Help: "Total number of configuration reload attempts",
	})

	ConfigReloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_config_reload_errors_total",
		Help: "Total number of configuration reload errors",
	})

	WatcherRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpvs_watcher_restarts_total",
		Help: "Total number of config file watcher restarts",
	})
)
