// Package dbprobe implements the per-driver probe engine (C5): one
// iteration of connect, posture check, read/write/rollback exercise,
// bounded cleanup, and metric emission.
package dbprobe

import (
	"context"
	"time"

	"github.com/nbari/dbpulse/internal/certprobe"
)

// Result is the health-check result of one probe iteration.
type Result struct {
	// Version is the server version string, possibly annotated with a
	// posture suffix (" - Database is in recovery mode", etc).
	Version string

	// DBHost is the backend hostname, or "local" when unavailable.
	DBHost string

	UptimeSeconds    int64
	HasUptimeSeconds bool

	TLSMetadata *certprobe.Metadata

	// ReadOnly is true when the server's posture means the R/W sequence was
	// not attempted this iteration.
	ReadOnly bool
}

// Prober runs one iteration of the health check against a single target.
type Prober interface {
	Probe(ctx context.Context, now time.Time, rangeN uint32) (*Result, error)
	// Close releases any resources the prober holds between iterations.
	// The probe engine itself opens and closes one connection per
	// iteration; Close is for prober-level resources, not the connection.
	Close() error
}

const readOnlyRecoveryAnnotation = " - Database is in recovery mode"
const readOnlyTxAnnotation = " - Transaction read-only mode enabled"
const readOnlyMySQLAnnotation = " - Database is in read-only mode"

// AnnotatedReadOnly reports whether a version string carries one of the
// posture annotations the supervisor uses to decide pulse/readonly state.
func AnnotatedReadOnly(version string) bool {
	return len(version) > 0 && (hasSuffix(version, readOnlyRecoveryAnnotation) ||
		hasSuffix(version, readOnlyTxAnnotation) ||
		hasSuffix(version, readOnlyMySQLAnnotation))
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
