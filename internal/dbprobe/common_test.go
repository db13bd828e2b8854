package dbprobe

import (
	"errors"
	"testing"
	"time"

	"github.com/nbari/dbpulse/internal/certprobe"
)

func TestRollbackTestIDNonNegative(t *testing.T) {
	// A time whose UnixMicro() is negative modulo math.MaxInt32 under the
	// plain '%' operator, to exercise the rem_euclid-equivalent branch.
	now := time.Unix(0, 0).Add(-1 * time.Microsecond)
	id := rollbackTestID(now)
	if id < 0 {
		t.Fatalf("rollbackTestID returned negative value: %d", id)
	}
}

func TestRollbackTestIDDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := rollbackTestID(now)
	b := rollbackTestID(now)
	if a != b {
		t.Fatalf("rollbackTestID not deterministic for same input: %d != %d", a, b)
	}
}

func TestRandRangeSingleton(t *testing.T) {
	for i := 0; i < 10; i++ {
		if v := randRange(1); v != 0 {
			t.Fatalf("randRange(1) = %d, want 0", v)
		}
		if v := randRange(0); v != 0 {
			t.Fatalf("randRange(0) = %d, want 0", v)
		}
	}
}

func TestRandRangeBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := randRange(5)
		if v < 0 || v >= 5 {
			t.Fatalf("randRange(5) out of bounds: %d", v)
		}
	}
}

func TestClassifyProbeError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&certprobe.Error{Phase: certprobe.PhaseConnection, Err: errors.New("x")}, "connection"},
		{&certprobe.Error{Phase: certprobe.PhaseHandshake, Err: errors.New("x")}, "handshake"},
		{&certprobe.Error{Phase: certprobe.PhaseParse, Err: errors.New("x")}, "parse"},
		{&certprobe.Error{Phase: certprobe.PhaseTimeout, Err: errors.New("x")}, "timeout"},
		{errors.New("plain error"), "unknown"},
	}
	for _, c := range cases {
		if got := classifyProbeError(c.err); got != c.want {
			t.Errorf("classifyProbeError(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestAnnotatedReadOnly(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"14.2 - Database is in recovery mode", true},
		{"14.2 - Transaction read-only mode enabled", true},
		{"8.0.34 - Database is in read-only mode", true},
		{"14.2", false},
		{"", false},
	}
	for _, c := range cases {
		if got := AnnotatedReadOnly(c.version); got != c.want {
			t.Errorf("AnnotatedReadOnly(%q) = %v, want %v", c.version, got, c.want)
		}
	}
}
