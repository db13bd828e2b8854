// Package metrics owns the process-wide Prometheus registry and the full
// set of named metric families dbpulse exposes at /metrics. Every metric is
// registered exactly once at construction time; runtime mutation never
// fails.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the custom prometheus.Registry together with every named
// metric family listed in the stable metrics contract.
type Registry struct {
	reg *prometheus.Registry

	Pulse                prometheus.Gauge
	Runtime              prometheus.Histogram
	RuntimeLastMs        *prometheus.GaugeVec
	DatabaseVersionInfo  *prometheus.GaugeVec
	DatabaseHostInfo     *prometheus.GaugeVec
	DatabaseUptime       *prometheus.GaugeVec
	DatabaseReadonly     *prometheus.GaugeVec
	DatabaseSizeBytes    *prometheus.GaugeVec
	Errors               *prometheus.CounterVec
	Iterations           *prometheus.CounterVec
	LastSuccess          *prometheus.GaugeVec
	OperationDuration    *prometheus.HistogramVec
	ConnectionDuration   prometheus.Histogram
	RowsAffected         *prometheus.CounterVec
	TableSizeBytes       *prometheus.GaugeVec
	TableRows            *prometheus.GaugeVec
	BlockingQueries      *prometheus.GaugeVec
	ReplicationLag       *prometheus.HistogramVec
	TLSHandshakeDuration *prometheus.HistogramVec
	TLSConnectionErrors  *prometheus.CounterVec
	TLSInfo              *prometheus.GaugeVec
	TLSCertExpiryDays    *prometheus.GaugeVec
	TLSCertProbeErrors   *prometheus.CounterVec
	PanicsRecovered      prometheus.Counter
}

// New constructs a fresh registry with every metric family registered.
// Registration of an already-registered name panics, which is intentional:
// it is a fatal startup error.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Pulse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dbpulse_pulse",
			Help: "1 healthy R/W, 0 otherwise (read-only counts as 0)",
		}),
		Runtime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dbpulse_runtime",
			Help: "per-iteration wall time in seconds",
		}),
		RuntimeLastMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_runtime_last_milliseconds",
			Help: "last iteration duration in milliseconds",
		}, []string{"database"}),
		DatabaseVersionInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_database_version_info",
			Help: "1; only one series per database at a time",
		}, []string{"database", "version"}),
		DatabaseHostInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_database_host_info",
			Help: "1; only one series per database at a time",
		}, []string{"database", "host"}),
		DatabaseUptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_database_uptime_seconds",
			Help: "server uptime in seconds",
		}, []string{"database"}),
		DatabaseReadonly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_database_readonly",
			Help: "1 if read-only/recovery",
		}, []string{"database"}),
		DatabaseSizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_database_size_bytes",
			Help: "total database size in bytes",
		}, []string{"database"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_errors_total",
			Help: "classified errors",
		}, []string{"database", "error_type"}),
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_iterations_total",
			Help: "iteration count by status",
		}, []string{"database", "status"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_last_success_timestamp_seconds",
			Help: "unix time of last successful check",
		}, []string{"database"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dbpulse_operation_duration_seconds",
			Help: "per-operation latency",
		}, []string{"database", "operation"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dbpulse_connection_duration_seconds",
			Help: "connection lifetime in seconds",
		}),
		RowsAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_rows_affected_total",
			Help: "rows affected by operation",
		}, []string{"database", "operation"}),
		TableSizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_table_size_bytes",
			Help: "approximate per-table size in bytes",
		}, []string{"database", "table"}),
		TableRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_table_rows",
			Help: "approximate row count",
		}, []string{"database", "table"}),
		BlockingQueries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_blocking_queries",
			Help: "lock-waiting sessions",
		}, []string{"database"}),
		ReplicationLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dbpulse_replication_lag_seconds",
			Help: "replica lag, recorded only on replicas",
		}, []string{"database"}),
		TLSHandshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dbpulse_tls_handshake_duration_seconds",
			Help: "TLS handshake latency",
		}, []string{"database"}),
		TLSConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_tls_connection_errors_total",
			Help: "TLS errors by type",
		}, []string{"database", "error_type"}),
		TLSInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_tls_info",
			Help: "1",
		}, []string{"database", "version", "cipher"}),
		TLSCertExpiryDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dbpulse_tls_cert_expiry_days",
			Help: "days until leaf cert expiry; may be negative",
		}, []string{"database"}),
		TLSCertProbeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbpulse_tls_cert_probe_errors_total",
			Help: "certificate probe errors by phase",
		}, []string{"database", "error_type"}),
		PanicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbpulse_panics_recovered_total",
			Help: "supervisor recoveries",
		}),
	}

	reg.MustRegister(
		r.Pulse,
		r.Runtime,
		r.RuntimeLastMs,
		r.DatabaseVersionInfo,
		r.DatabaseHostInfo,
		r.DatabaseUptime,
		r.DatabaseReadonly,
		r.DatabaseSizeBytes,
		r.Errors,
		r.Iterations,
		r.LastSuccess,
		r.OperationDuration,
		r.ConnectionDuration,
		r.RowsAffected,
		r.TableSizeBytes,
		r.TableRows,
		r.BlockingQueries,
		r.ReplicationLag,
		r.TLSHandshakeDuration,
		r.TLSConnectionErrors,
		r.TLSInfo,
		r.TLSCertExpiryDays,
		r.TLSCertProbeErrors,
		r.PanicsRecovered,
	)

	return r
}

// Handler returns the HTTP handler that serves the registry in Prometheus
// text exposition format. errorLog, if non-nil, receives gather and encode
// errors; with ContinueOnError the handler still serves whatever metrics it
// could gather.
func (r *Registry) Handler(errorLog promhttp.Logger) http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		ErrorLog:      errorLog,
	})
}
