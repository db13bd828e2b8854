package dbprobe

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nbari/dbpulse/internal/certprobe"
)

func errorsAsPgError(err error, target **pgconn.PgError) bool {
	return errors.As(err, target)
}

// rollbackTestID computes the transient row id used by the transaction
// rollback check. It always folds a negative modulo result back into
// range so both drivers get a non-negative id.
func rollbackTestID(now time.Time) int32 {
	micros := now.UnixMicro()
	const mod = int64(math.MaxInt32)
	r := micros % mod
	if r < 0 {
		r += mod
	}
	return int32(r)
}

// randRange draws a uniform random id in [0, rangeN). rangeN=1 must not
// panic and must always return 0.
func randRange(rangeN uint32) int32 {
	if rangeN <= 1 {
		return 0
	}
	return int32(rand.Int63n(int64(rangeN)))
}

// classifyProbeError maps a certprobe phase-tagged error to one of the
// dbpulse_tls_cert_probe_errors_total error_type label values.
func classifyProbeError(err error) string {
	var pe *certprobe.Error
	if errors.As(err, &pe) {
		switch pe.Phase {
		case certprobe.PhaseConnection:
			return "connection"
		case certprobe.PhaseHandshake:
			return "handshake"
		case certprobe.PhaseParse:
			return "parse"
		case certprobe.PhaseTimeout:
			return "timeout"
		}
	}
	return "unknown"
}
