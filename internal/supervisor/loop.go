// Package supervisor implements the fixed-interval scheduler (C6) that
// drives the probe engine, recovers from per-iteration panics, paces itself
// to an exact interval, and terminates fast on unrecoverable conditions.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/nbari/dbpulse/internal/dbprobe"
	"github.com/nbari/dbpulse/internal/metrics"
)

// Loop drives one Prober at a fixed interval. Label-rotation state (last
// observed version/host/TLS label values) is owned exclusively by the Loop
// value: it is the single writer the registry's label-rotation discipline
// requires.
type Loop struct {
	database string
	prober   dbprobe.Prober
	m        *metrics.Registry
	interval time.Duration
	logger   log.Logger

	versionRotator *metrics.LabelRotator
	hostRotator    *metrics.LabelRotator

	lastTLSVersion string
	lastTLSCipher  string
	hasTLSInfo     bool
}

// New constructs a supervision loop for one database label ("postgres" or
// "mysql").
func New(database string, prober dbprobe.Prober, m *metrics.Registry, interval time.Duration, logger log.Logger) *Loop {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loop{
		database:       database,
		prober:         prober,
		m:              m,
		interval:       interval,
		logger:         logger,
		versionRotator: metrics.NewLabelRotator(m.DatabaseVersionInfo, database),
		hostRotator:    metrics.NewLabelRotator(m.DatabaseHostInfo, database),
	}
}

// Run drives iterations until ctx is cancelled or an unsupported-driver
// condition is detected, at which point it returns a non-nil error so the
// caller (main) can exit non-zero.
func (l *Loop) Run(ctx context.Context, rangeN uint32) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		iterationStart := time.Now()
		timer := newTimerObserver(l.m.Runtime)

		result, iterErr, panicked := l.runIterationSafely(ctx, iterationStart, rangeN)

		runtimeSeconds := timer.stop()
		l.m.RuntimeLastMs.WithLabelValues(l.database).Set(float64(runtimeSeconds) * 1000)

		switch {
		case panicked != nil:
			l.m.Pulse.Set(0)
			l.m.PanicsRecovered.Inc()
			level.Warn(l.logger).Log("msg", "recovered panic in probe iteration", "database", l.database, "panic", panicked)
			l.sleepFull(ctx)
			continue

		case iterErr != nil:
			msg := iterErr.Error()
			if isUnsupportedDriver(msg) {
				return fmt.Errorf("unsupported driver: %w", iterErr)
			}
			l.onError(msg)
			l.emitStdout(iterationStart, runtimeSeconds, "", nil, false, "", "")

		default:
			l.onSuccess(iterationStart, result)
			var uptimePtr *int64
			if result.HasUptimeSeconds {
				u := result.UptimeSeconds
				uptimePtr = &u
			}
			tlsVersion, tlsCipher := "", ""
			if result.TLSMetadata != nil {
				tlsVersion, tlsCipher = result.TLSMetadata.Version, result.TLSMetadata.Cipher
			}
			l.emitStdout(iterationStart, runtimeSeconds, result.Version, uptimePtr, result.TLSMetadata != nil, tlsVersion, tlsCipher)
		}

		if err := l.waitForNextTick(ctx, iterationStart); err != nil {
			return nil
		}
	}
}

// runIterationSafely runs one probe iteration inside a panic-catching
// wrapper so a single bad iteration can't bring down the loop.
func (l *Loop) runIterationSafely(ctx context.Context, now time.Time, rangeN uint32) (result *dbprobe.Result, iterErr error, panicValue any) {
	defer func() {
		if r := recover(); r != nil {
			panicValue = r
		}
	}()
	result, iterErr = l.prober.Probe(ctx, now, rangeN)
	return result, iterErr, nil
}

func (l *Loop) onSuccess(now time.Time, result *dbprobe.Result) {
	l.versionRotator.Set(result.Version)
	l.hostRotator.Set(result.DBHost)

	if result.HasUptimeSeconds {
		l.m.DatabaseUptime.WithLabelValues(l.database).Set(float64(result.UptimeSeconds))
	}

	readOnly := result.ReadOnly || dbprobe.AnnotatedReadOnly(result.Version)
	if readOnly {
		l.m.DatabaseReadonly.WithLabelValues(l.database).Set(1)
		l.m.Pulse.Set(0)
		l.m.Iterations.WithLabelValues(l.database, "error").Inc()
		l.m.Errors.WithLabelValues(l.database, "query").Inc()
	} else {
		l.m.DatabaseReadonly.WithLabelValues(l.database).Set(0)
		l.m.Pulse.Set(1)
		l.m.Iterations.WithLabelValues(l.database, "success").Inc()
		l.m.LastSuccess.WithLabelValues(l.database).Set(float64(now.Unix()))
	}

	if result.TLSMetadata != nil {
		l.setTLSInfo(result.TLSMetadata.Version, result.TLSMetadata.Cipher)
		if result.TLSMetadata.HasExpiry {
			l.m.TLSCertExpiryDays.WithLabelValues(l.database).Set(float64(result.TLSMetadata.CertExpiryDays))
		}
	}
}

func (l *Loop) onError(msg string) {
	l.m.Pulse.Set(0)
	l.m.Iterations.WithLabelValues(l.database, "error").Inc()
	l.hostRotator.Clear()

	l.m.Errors.WithLabelValues(l.database, classifyError(msg)).Inc()

	if isTLSError(msg) {
		l.m.TLSConnectionErrors.WithLabelValues(l.database, "handshake").Inc()
	}
}

// setTLSInfo applies the remove-old-then-set-new discipline to the
// (version, cipher) label pair of dbpulse_tls_info.
func (l *Loop) setTLSInfo(version, cipher string) {
	if version == "" && cipher == "" {
		return
	}
	if l.hasTLSInfo && l.lastTLSVersion == version && l.lastTLSCipher == cipher {
		return
	}
	if l.hasTLSInfo {
		l.m.TLSInfo.DeleteLabelValues(l.database, l.lastTLSVersion, l.lastTLSCipher)
	}
	l.m.TLSInfo.WithLabelValues(l.database, version, cipher).Set(1)
	l.lastTLSVersion, l.lastTLSCipher = version, cipher
	l.hasTLSInfo = true
}

type pulseRecord struct {
	RuntimeMs     int64   `json:"runtime_ms"`
	Time          string  `json:"time"`
	Version       string  `json:"version"`
	UptimeSeconds *int64  `json:"uptime_seconds,omitempty"`
	TLSVersion    *string `json:"tls_version,omitempty"`
	TLSCipher     *string `json:"tls_cipher,omitempty"`
}

func (l *Loop) emitStdout(now time.Time, runtimeSeconds float64, version string, uptime *int64, hasTLS bool, tlsVersion, tlsCipher string) {
	rec := pulseRecord{
		RuntimeMs: int64(runtimeSeconds * 1000),
		Time:      now.UTC().Format(time.RFC3339),
		Version:   version,
		UptimeSeconds: uptime,
	}
	if hasTLS {
		if tlsVersion != "" {
			rec.TLSVersion = &tlsVersion
		}
		if tlsCipher != "" {
			rec.TLSCipher = &tlsCipher
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		level.Error(l.logger).Log("msg", "marshal pulse record", "err", err)
		return
	}
	fmt.Println(string(b))
}

// waitForNextTick sleeps the exact remainder of the interval. If the
// elapsed time already meets or exceeds the interval, it returns
// immediately so the next iteration starts at once.
func (l *Loop) waitForNextTick(ctx context.Context, iterationStart time.Time) error {
	remaining := remainingSleep(iterationStart, l.interval)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

func (l *Loop) sleepFull(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.interval):
	}
}

// remainingSleep computes interval - elapsed with sub-second precision.
// A 1ms remainder on a 1s interval must still produce a positive duration.
func remainingSleep(iterationStart time.Time, interval time.Duration) time.Duration {
	elapsed := time.Since(iterationStart)
	remaining := interval - elapsed
	if remaining <= 0 {
		return 0
	}
	return remaining
}

type timerObserver struct {
	start time.Time
	obs   interface{ Observe(float64) }
}

func newTimerObserver(h interface{ Observe(float64) }) *timerObserver {
	return &timerObserver{start: time.Now(), obs: h}
}

func (t *timerObserver) stop() float64 {
	elapsed := time.Since(t.start).Seconds()
	t.obs.Observe(elapsed)
	return elapsed
}
