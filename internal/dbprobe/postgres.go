package dbprobe

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nbari/dbpulse/internal/certcache"
	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/dsnutil"
	"github.com/nbari/dbpulse/internal/metrics"
	"github.com/nbari/dbpulse/internal/rdsauth"
	"github.com/nbari/dbpulse/internal/tlsconf"
)

const pgSQLStateInvalidCatalogName = "3D000"
const pgSQLStateDuplicateObject = "42710"

// Postgres implements Prober against a single PostgreSQL target.
type Postgres struct {
	dsn    dsnutil.DSN
	tls    tlsconf.Config
	cache  *certcache.Cache
	m      *metrics.Registry
	table  string
	region string
	iam    rdsauth.TokenProvider
	logger log.Logger
}

// NewPostgres constructs a Postgres prober. iam may be nil when the DSN
// never requests IAM authentication.
func NewPostgres(dsn dsnutil.DSN, tls tlsconf.Config, cache *certcache.Cache, m *metrics.Registry, table, region string, iam rdsauth.TokenProvider, logger log.Logger) *Postgres {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Postgres{dsn: dsn, tls: tls, cache: cache, m: m, table: table, region: region, iam: iam, logger: logger}
}

// Close is a no-op: Postgres opens and closes its own connection per
// iteration.
func (p *Postgres) Close() error { return nil }

func (p *Postgres) Probe(ctx context.Context, now time.Time, rangeN uint32) (*Result, error) {
	dsn := p.dsn
	if dsn.IAMAuth() && p.iam != nil {
		tok, err := p.iam.Token(ctx, p.region, dsn.Host, dsn.Port, dsn.Username)
		if err != nil {
			return nil, fmt.Errorf("rds iam auth: %w", err)
		}
		dsn.Password = tok
	}

	connStr := buildPostgresConnString(dsn, p.tls)

	connectStart := time.Now()
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		if isPgDatabaseNotExist(err) {
			if cerr := createPostgresDatabase(ctx, dsn, p.tls); cerr != nil {
				return nil, fmt.Errorf("create database: %w", cerr)
			}
			db.Close()
			db, err = sql.Open("pgx", connStr)
			if err != nil {
				return nil, fmt.Errorf("reopen: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("connect after create database: %w", err)
			}
		} else {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}
	connectDuration := time.Since(connectStart)
	p.m.OperationDuration.WithLabelValues("postgres", "connect").Observe(connectDuration.Seconds())
	if p.tls.Mode.IsEnabled() {
		p.m.TLSHandshakeDuration.WithLabelValues("postgres").Observe(connectDuration.Seconds())
	}

	connOpenedAt := time.Now()
	defer func() {
		p.m.ConnectionDuration.Observe(time.Since(connOpenedAt).Seconds())
	}()

	if _, err := db.ExecContext(ctx, "SET statement_timeout = '5s'"); err != nil {
		return nil, fmt.Errorf("set statement_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SET lock_timeout = '2s'"); err != nil {
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}

	dbHost := "local"
	_ = db.QueryRowContext(ctx, "SELECT COALESCE(inet_server_addr()::text, 'local')").Scan(&dbHost)

	var uptime int64
	hasUptime := false
	if err := db.QueryRowContext(ctx, "SELECT EXTRACT(EPOCH FROM NOW() - pg_postmaster_start_time())::bigint").Scan(&uptime); err == nil {
		hasUptime = true
	}

	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return nil, fmt.Errorf("check recovery: %w", err)
	}
	var txReadOnly string
	_ = db.QueryRowContext(ctx, "SHOW transaction_read_only").Scan(&txReadOnly)

	readOnly := false
	switch {
	case inRecovery:
		version += readOnlyRecoveryAnnotation
		readOnly = true
	case strings.EqualFold(txReadOnly, "on"):
		version += readOnlyTxAnnotation
		readOnly = true
	}

	if readOnly {
		var lagSeconds sql.NullFloat64
		if err := db.QueryRowContext(ctx, "SELECT EXTRACT(EPOCH FROM (NOW() - pg_last_xact_replay_timestamp()))").Scan(&lagSeconds); err == nil && lagSeconds.Valid {
			p.m.ReplicationLag.WithLabelValues("postgres").Observe(lagSeconds.Float64)
		}
		return &Result{Version: version, DBHost: dbHost, UptimeSeconds: uptime, HasUptimeSeconds: hasUptime, ReadOnly: true}, nil
	}

	var blocking int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pg_stat_activity WHERE wait_event_type = 'Lock' AND state = 'active'").Scan(&blocking); err == nil {
		p.m.BlockingQueries.WithLabelValues("postgres").Set(float64(blocking))
	}

	if err := p.ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure table: %w", err)
	}

	id := randRange(rangeN)
	rowUUID := uuid.New().String()

	insertStart := time.Now()
	res, err := db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id,t1,uuid) VALUES ($1,$2,$3) ON CONFLICT (id) DO UPDATE SET t1=EXCLUDED.t1, uuid=EXCLUDED.uuid`, p.table),
		id, now.Unix(), rowUUID)
	p.m.OperationDuration.WithLabelValues("postgres", "insert").Observe(time.Since(insertStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		p.m.RowsAffected.WithLabelValues("postgres", "insert").Add(float64(n))
	}

	var gotT1 int64
	var gotUUID string
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1, uuid FROM %s WHERE id=$1`, p.table), id).Scan(&gotT1, &gotUUID); err != nil {
		return nil, fmt.Errorf("select verify: %w", err)
	}
	if gotT1 != now.Unix() || gotUUID != rowUUID {
		return nil, fmt.Errorf("Records don't match: expected (%d, %s), got (%d, %s)", now.Unix(), rowUUID, gotT1, gotUUID)
	}

	rid := rollbackTestID(now)
	txStart := time.Now()
	if err := p.transactionRollbackCheck(ctx, db, rid); err != nil {
		return nil, err
	}
	p.m.OperationDuration.WithLabelValues("postgres", "transaction_test").Observe(time.Since(txStart).Seconds())

	cleanupStart := time.Now()
	cutoff := now.Add(-1 * time.Hour)
	if res, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE t2 < $1 LIMIT 10000)`, p.table, p.table), cutoff); err == nil {
		if n, err := res.RowsAffected(); err == nil {
			p.m.RowsAffected.WithLabelValues("postgres", "delete").Add(float64(n))
		}
	}
	p.m.OperationDuration.WithLabelValues("postgres", "cleanup").Observe(time.Since(cleanupStart).Seconds())

	var estimate sql.NullInt64
	_ = db.QueryRowContext(ctx,
		`SELECT c.reltuples::bigint FROM pg_class c JOIN pg_namespace n ON c.relnamespace=n.oid WHERE c.relname=$1 AND n.nspname=CURRENT_SCHEMA()`,
		p.table).Scan(&estimate)
	var rowCount int64
	if estimate.Valid && estimate.Int64 >= 0 {
		rowCount = estimate.Int64
	} else {
		_ = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&rowCount)
	}
	p.m.TableRows.WithLabelValues("postgres", p.table).Set(float64(rowCount))

	if now.Minute() == 0 && id < 5 {
		var count int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&count); err == nil && count < 100000 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.table))
		}
	}

	var tableSize int64
	_ = db.QueryRowContext(ctx, `SELECT pg_total_relation_size($1)`, p.table).Scan(&tableSize)
	p.m.TableSizeBytes.WithLabelValues("postgres", p.table).Set(float64(tableSize))

	var dbSize int64
	_ = db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&dbSize)
	p.m.DatabaseSizeBytes.WithLabelValues("postgres").Set(float64(dbSize))

	var tlsMeta *certprobe.Metadata
	if p.tls.Mode.IsEnabled() {
		var tlsVersion, tlsCipher sql.NullString
		_ = db.QueryRowContext(ctx, `SELECT version, cipher FROM pg_stat_ssl WHERE pid = pg_backend_pid()`).Scan(&tlsVersion, &tlsCipher)

		cached, err := certcache.GetCertMetadataCached(ctx, dsn.Host, dsn.DefaultPort(), certprobe.ProtocolPostgres, p.tls, p.cache)
		if err != nil {
			p.m.TLSCertProbeErrors.WithLabelValues("postgres", classifyProbeError(err)).Inc()
			level.Warn(p.logger).Log("msg", "certificate probe failed", "host", dsn.Host, "err", err)
			tlsMeta = &certprobe.Metadata{}
		} else {
			tlsMeta = cached
		}
		if tlsVersion.Valid {
			tlsMeta.Version = tlsVersion.String
		}
		if tlsCipher.Valid {
			tlsMeta.Cipher = tlsCipher.String
		}
	}

	return &Result{
		Version:          version,
		DBHost:           dbHost,
		UptimeSeconds:    uptime,
		HasUptimeSeconds: hasUptime,
		ReadOnly:         false,
		TLSMetadata:      tlsMeta,
	}, nil
}

func (p *Postgres) ensureTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		if !isPgDuplicateExtension(err) {
			// the rollback check relies on uuid_generate_v4() from this
			// extension, so only concurrent-creation races are ignored.
			return err
		}
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INT NOT NULL PRIMARY KEY,
		t1 BIGINT NOT NULL,
		t2 TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP,
		uuid UUID NOT NULL,
		CONSTRAINT %s_uuid_unique UNIQUE (uuid)
	)`, p.table, p.table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return err
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_t2 ON %s(t2)`, p.table, p.table)
	_, _ = db.ExecContext(ctx, idx)
	return nil
}

func (p *Postgres) transactionRollbackCheck(ctx context.Context, db *sql.DB, rid int32) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id,t1,uuid) VALUES ($1,999,uuid_generate_v4()) ON CONFLICT (id) DO UPDATE SET t1=999`, p.table), rid); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET t1=$1 WHERE id=$2`, p.table), 0, rid); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction update: %w", err)
	}

	var t1 int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1 FROM %s WHERE id=$1`, p.table), rid).Scan(&t1); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction verify: %w", err)
	}
	if t1 != 0 {
		_ = tx.Rollback()
		return fmt.Errorf("Transaction update failed: expected 0, got %d", t1)
	}

	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	var afterT1 sql.NullInt64
	_ = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1 FROM %s WHERE id=$1`, p.table), rid).Scan(&afterT1)
	if afterT1.Valid && afterT1.Int64 == 0 {
		return fmt.Errorf("Transaction rollback failed: value is still 0")
	}
	return nil
}

func buildPostgresConnString(dsn dsnutil.DSN, tls tlsconf.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(dsn.Username, dsn.Password),
		Host:   fmt.Sprintf("%s:%d", dsn.Host, nonZeroOr(dsn.Port, dsn.DefaultPort())),
		Path:   "/" + dsn.Database,
	}
	q := u.Query()
	q.Set("sslmode", postgresSSLMode(tls.Mode))
	if tls.CA != "" {
		q.Set("sslrootcert", tls.CA)
	}
	if tls.Cert != "" {
		q.Set("sslcert", tls.Cert)
	}
	if tls.Key != "" {
		q.Set("sslkey", tls.Key)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func postgresSSLMode(m tlsconf.Mode) string {
	switch m {
	case tlsconf.Require:
		return "require"
	case tlsconf.VerifyCA:
		return "verify-ca"
	case tlsconf.VerifyFull:
		return "verify-full"
	default:
		return "disable"
	}
}

func nonZeroOr(v, fallback uint16) uint16 {
	if v == 0 {
		return fallback
	}
	return v
}

func isPgDatabaseNotExist(err error) bool {
	var pgErr *pgconn.PgError
	if ok := errorsAsPgError(err, &pgErr); ok {
		return pgErr.Code == pgSQLStateInvalidCatalogName
	}
	return false
}

func isPgDuplicateExtension(err error) bool {
	var pgErr *pgconn.PgError
	if ok := errorsAsPgError(err, &pgErr); ok {
		return pgErr.Code == pgSQLStateDuplicateObject
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func createPostgresDatabase(ctx context.Context, dsn dsnutil.DSN, tls tlsconf.Config) error {
	admin := dsn
	admin.Database = "postgres"
	connStr := buildPostgresConnString(admin, tls)
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE %s`, dsn.Database))
	return err
}
