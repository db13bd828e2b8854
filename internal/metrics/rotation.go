package metrics

import "github.com/prometheus/client_golang/prometheus"

// LabelRotator tracks the single label value currently set on an "info"
// style GaugeVec (dbpulse_database_version_info, dbpulse_database_host_info)
// for one fixed "database" label value, and enforces the remove-old-then-
// set-new discipline an info gauge needs to avoid stale series. It must
// only ever be driven by a single writer, the supervision loop.
type LabelRotator struct {
	vec      *prometheus.GaugeVec
	database string
	last     string
	hasLast  bool
}

// NewLabelRotator binds a rotator to one GaugeVec (with labels
// ["database", rotating-label]) for a fixed database label value.
func NewLabelRotator(vec *prometheus.GaugeVec, database string) *LabelRotator {
	return &LabelRotator{vec: vec, database: database}
}

// Set rotates the label: if the value differs from the last one observed,
// the previous time-series is removed before the new one is set to 1. If
// the value is unchanged, this is a no-op (the series is already set).
func (l *LabelRotator) Set(value string) {
	if l.hasLast && l.last == value {
		return
	}
	if l.hasLast {
		l.vec.DeleteLabelValues(l.database, l.last)
	}
	l.vec.WithLabelValues(l.database, value).Set(1)
	l.last = value
	l.hasLast = true
}

// Clear removes the currently-set series, if any, leaving no time-series
// for this database label value. The supervision loop calls it on the host
// rotator when an iteration fails and no current host is known to be live.
func (l *LabelRotator) Clear() {
	if l.hasLast {
		l.vec.DeleteLabelValues(l.database, l.last)
		l.hasLast = false
		l.last = ""
	}
}
