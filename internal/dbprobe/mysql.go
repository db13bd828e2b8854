package dbprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	driver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/nbari/dbpulse/internal/certcache"
	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/dsnutil"
	"github.com/nbari/dbpulse/internal/metrics"
	"github.com/nbari/dbpulse/internal/rdsauth"
	"github.com/nbari/dbpulse/internal/tlsconf"
)

const mysqlErrBadDB = 1049

// MySQL implements Prober against a single MySQL/MariaDB target.
type MySQL struct {
	dsn    dsnutil.DSN
	tls    tlsconf.Config
	cache  *certcache.Cache
	m      *metrics.Registry
	table  string
	region string
	iam    rdsauth.TokenProvider
	logger log.Logger

	tlsRegisterOnce sync.Once
	tlsConfigName   string
}

// NewMySQL constructs a MySQL prober.
func NewMySQL(dsn dsnutil.DSN, tlsCfg tlsconf.Config, cache *certcache.Cache, m *metrics.Registry, table, region string, iam rdsauth.TokenProvider, logger log.Logger) *MySQL {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &MySQL{dsn: dsn, tls: tlsCfg, cache: cache, m: m, table: table, region: region, iam: iam, logger: logger}
}

// Close is a no-op: MySQL opens and closes its own connection per
// iteration.
func (my *MySQL) Close() error { return nil }

func (my *MySQL) Probe(ctx context.Context, now time.Time, rangeN uint32) (*Result, error) {
	dsn := my.dsn
	if dsn.IAMAuth() && my.iam != nil {
		tok, err := my.iam.Token(ctx, my.region, dsn.Host, dsn.Port, dsn.Username)
		if err != nil {
			return nil, fmt.Errorf("rds iam auth: %w", err)
		}
		dsn.Password = tok
	}

	dsnString, err := my.buildDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("build dsn: %w", err)
	}

	connectStart := time.Now()
	db, err := sql.Open("mysql", dsnString)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		if isMySQLBadDB(err) {
			if cerr := createMySQLDatabase(ctx, dsn, dsnString); cerr != nil {
				return nil, fmt.Errorf("create database: %w", cerr)
			}
			db.Close()
			db, err = sql.Open("mysql", dsnString)
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
	my.m.OperationDuration.WithLabelValues("mysql", "connect").Observe(connectDuration.Seconds())
	if my.tls.Mode.IsEnabled() {
		my.m.TLSHandshakeDuration.WithLabelValues("mysql").Observe(connectDuration.Seconds())
	}

	connOpenedAt := time.Now()
	defer func() {
		my.m.ConnectionDuration.Observe(time.Since(connOpenedAt).Seconds())
	}()

	if _, err := db.ExecContext(ctx, "SET SESSION max_execution_time = 5000"); err != nil {
		if _, err2 := db.ExecContext(ctx, "SET SESSION max_statement_time = 5"); err2 != nil {
			return nil, fmt.Errorf("set session timeout: %w", err2)
		}
	}
	if _, err := db.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = 2"); err != nil {
		return nil, fmt.Errorf("set innodb_lock_wait_timeout: %w", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}

	dbHost := "local"
	_ = db.QueryRowContext(ctx, "SELECT @@hostname").Scan(&dbHost)

	var uptime int64
	hasUptime := false
	var statusName string
	if err := db.QueryRowContext(ctx, "SHOW GLOBAL STATUS LIKE 'Uptime'").Scan(&statusName, &uptime); err == nil {
		hasUptime = true
	}

	readOnly, err := queryMySQLReadOnly(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("check read_only: %w", err)
	}
	if readOnly {
		version += readOnlyMySQLAnnotation

		if lag, ok := queryMySQLReplicationLag(ctx, db); ok {
			my.m.ReplicationLag.WithLabelValues("mysql").Observe(float64(lag))
		}
		return &Result{Version: version, DBHost: dbHost, UptimeSeconds: uptime, HasUptimeSeconds: hasUptime, ReadOnly: true}, nil
	}

	var blocking int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.processlist WHERE state LIKE '%lock%' OR state LIKE '%Locked%'`).Scan(&blocking); err == nil {
		my.m.BlockingQueries.WithLabelValues("mysql").Set(float64(blocking))
	}

	if err := my.ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure table: %w", err)
	}

	id := randRange(rangeN)
	rowUUID := uuid.New().String()

	insertStart := time.Now()
	res, err := db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id,t1,uuid) VALUES (?,?,?) ON DUPLICATE KEY UPDATE t1=VALUES(t1), uuid=VALUES(uuid)`, my.table),
		id, now.Unix(), rowUUID)
	my.m.OperationDuration.WithLabelValues("mysql", "insert").Observe(time.Since(insertStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		my.m.RowsAffected.WithLabelValues("mysql", "insert").Add(float64(n))
	}

	var gotT1 int64
	var gotUUID string
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1, uuid FROM %s WHERE id=?`, my.table), id).Scan(&gotT1, &gotUUID); err != nil {
		return nil, fmt.Errorf("select verify: %w", err)
	}
	if gotT1 != now.Unix() || gotUUID != rowUUID {
		return nil, fmt.Errorf("Records don't match: expected (%d, %s), got (%d, %s)", now.Unix(), rowUUID, gotT1, gotUUID)
	}

	rid := rollbackTestID(now)
	txStart := time.Now()
	if err := my.transactionRollbackCheck(ctx, db, rid); err != nil {
		return nil, err
	}
	my.m.OperationDuration.WithLabelValues("mysql", "transaction_test").Observe(time.Since(txStart).Seconds())

	cleanupStart := time.Now()
	cutoff := now.Add(-1 * time.Hour).Format("2006-01-02 15:04:05")
	if res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE t2 < ? LIMIT 10000`, my.table), cutoff); err == nil {
		if n, err := res.RowsAffected(); err == nil {
			my.m.RowsAffected.WithLabelValues("mysql", "delete").Add(float64(n))
		}
	}
	my.m.OperationDuration.WithLabelValues("mysql", "cleanup").Observe(time.Since(cleanupStart).Seconds())

	var estimate sql.NullInt64
	_ = db.QueryRowContext(ctx,
		`SELECT CAST(table_rows AS SIGNED) FROM information_schema.TABLES WHERE table_schema=DATABASE() AND table_name=?`,
		my.table).Scan(&estimate)
	var rowCount int64
	if estimate.Valid && estimate.Int64 >= 0 {
		rowCount = estimate.Int64
	} else {
		_ = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, my.table)).Scan(&rowCount)
	}
	my.m.TableRows.WithLabelValues("mysql", my.table).Set(float64(rowCount))

	if now.Minute() == 0 && id < 5 {
		var count int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, my.table)).Scan(&count); err == nil && count < 100000 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, my.table))
		}
	}

	var tableSize sql.NullInt64
	_ = db.QueryRowContext(ctx,
		`SELECT CAST(COALESCE(data_length,0)+COALESCE(index_length,0) AS SIGNED) FROM information_schema.TABLES WHERE table_schema=DATABASE() AND table_name=?`,
		my.table).Scan(&tableSize)
	my.m.TableSizeBytes.WithLabelValues("mysql", my.table).Set(float64(tableSize.Int64))

	var dbSize sql.NullInt64
	_ = db.QueryRowContext(ctx,
		`SELECT CAST(SUM(COALESCE(data_length,0)+COALESCE(index_length,0)) AS SIGNED) FROM information_schema.TABLES WHERE table_schema=DATABASE()`).Scan(&dbSize)
	my.m.DatabaseSizeBytes.WithLabelValues("mysql").Set(float64(dbSize.Int64))

	var tlsMeta *certprobe.Metadata
	if my.tls.Mode.IsEnabled() {
		tlsMeta = &certprobe.Metadata{}
		if v, ok := queryMySQLSSLStatus(ctx, db, "Ssl_version"); ok {
			tlsMeta.Version = v
		}
		if c, ok := queryMySQLSSLStatus(ctx, db, "Ssl_cipher"); ok {
			tlsMeta.Cipher = c
		}

		cached, err := certcache.GetCertMetadataCached(ctx, dsn.Host, dsn.DefaultPort(), certprobe.ProtocolMySQL, my.tls, my.cache)
		if err != nil {
			my.m.TLSCertProbeErrors.WithLabelValues("mysql", classifyProbeError(err)).Inc()
			level.Warn(my.logger).Log("msg", "certificate probe failed", "host", dsn.Host, "err", err)
		} else if cached != nil {
			if tlsMeta.CertSubject == "" {
				tlsMeta.CertSubject = cached.CertSubject
			}
			if tlsMeta.CertIssuer == "" {
				tlsMeta.CertIssuer = cached.CertIssuer
			}
			if !tlsMeta.HasExpiry {
				tlsMeta.CertExpiryDays = cached.CertExpiryDays
				tlsMeta.HasExpiry = cached.HasExpiry
			}
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

func (my *MySQL) ensureTable(ctx context.Context, db *sql.DB) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INT NOT NULL,
		t1 BIGINT NOT NULL,
		t2 TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		uuid CHAR(36) CHARACTER SET ascii,
		PRIMARY KEY(id),
		UNIQUE KEY(uuid),
		INDEX idx_t2 (t2)
	) ENGINE=InnoDB`, my.table)
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func (my *MySQL) transactionRollbackCheck(ctx context.Context, db *sql.DB, rid int32) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id,t1,uuid) VALUES (?,999,UUID()) ON DUPLICATE KEY UPDATE t1=999`, my.table), rid); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET t1=? WHERE id=?`, my.table), 0, rid); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction update: %w", err)
	}

	var t1 int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1 FROM %s WHERE id=?`, my.table), rid).Scan(&t1); err != nil {
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
	_ = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT t1 FROM %s WHERE id=?`, my.table), rid).Scan(&afterT1)
	if afterT1.Valid && afterT1.Int64 == 0 {
		return fmt.Errorf("Transaction rollback failed: value is still 0")
	}
	return nil
}

func queryMySQLReadOnly(ctx context.Context, db *sql.DB) (bool, error) {
	var asInt sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT @@read_only").Scan(&asInt); err == nil && asInt.Valid {
		return asInt.Int64 != 0, nil
	}
	var asString string
	if err := db.QueryRowContext(ctx, "SELECT @@read_only").Scan(&asString); err != nil {
		return false, err
	}
	up := strings.ToUpper(strings.TrimSpace(asString))
	return up == "ON" || up == "1", nil
}

func queryMySQLReplicationLag(ctx context.Context, db *sql.DB) (int64, bool) {
	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		return 0, false
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, false
	}
	if !rows.Next() {
		return 0, false
	}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return 0, false
	}

	for i, c := range cols {
		if c == "Seconds_Behind_Source" && vals[i].Valid {
			lag, err := strconv.ParseInt(vals[i].String, 10, 64)
			if err == nil && lag >= 0 {
				return lag, true
			}
		}
	}
	return 0, false
}

func queryMySQLSSLStatus(ctx context.Context, db *sql.DB, variable string) (string, bool) {
	var name, value string
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SHOW STATUS LIKE '%s'", variable)).Scan(&name, &value); err != nil {
		return "", false
	}
	return value, value != ""
}

func isMySQLBadDB(err error) bool {
	var myErr *driver.MySQLError
	if e, ok := err.(*driver.MySQLError); ok {
		myErr = e
		return myErr.Number == mysqlErrBadDB
	}
	return false
}

func createMySQLDatabase(ctx context.Context, dsn dsnutil.DSN, _ string) error {
	admin := dsn
	admin.Database = ""
	cfg := driver.NewConfig()
	cfg.User = admin.Username
	cfg.Passwd = admin.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", admin.Host, nonZeroOr(admin.Port, admin.DefaultPort()))
	cfg.DBName = ""

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dsn.Database))
	return err
}

func (my *MySQL) buildDSN(dsn dsnutil.DSN) (string, error) {
	cfg := driver.NewConfig()
	cfg.User = dsn.Username
	cfg.Passwd = dsn.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", dsn.Host, nonZeroOr(dsn.Port, dsn.DefaultPort()))
	cfg.DBName = dsn.Database
	cfg.ParseTime = false
	cfg.AllowNativePasswords = true

	name, err := my.tlsConfigRef()
	if err != nil {
		return "", err
	}
	cfg.TLSConfig = name

	return cfg.FormatDSN(), nil
}

// tlsConfigRef returns the go-sql-driver/mysql TLSConfig value for the
// prober's TLS mode, lazily registering a custom *tls.Config exactly once
// when CA/cert material is involved.
func (my *MySQL) tlsConfigRef() (string, error) {
	switch my.tls.Mode {
	case tlsconf.Disable:
		return "false", nil
	case tlsconf.Require:
		if my.tls.Cert == "" || my.tls.Key == "" {
			return "skip-verify", nil
		}
	default:
	}

	var regErr error
	my.tlsRegisterOnce.Do(func() {
		tlsCfg := &tls.Config{}
		if my.tls.Mode == tlsconf.Require {
			tlsCfg.InsecureSkipVerify = true
		}
		if my.tls.Mode == tlsconf.VerifyCA {
			tlsCfg.InsecureSkipVerify = true
			tlsCfg.VerifyPeerCertificate = verifyCAOnly(my.tls.CA)
		}
		if my.tls.CA != "" {
			pool := x509.NewCertPool()
			pem, err := os.ReadFile(my.tls.CA)
			if err != nil {
				regErr = fmt.Errorf("read CA: %w", err)
				return
			}
			if !pool.AppendCertsFromPEM(pem) {
				regErr = fmt.Errorf("no certs parsed from %s", my.tls.CA)
				return
			}
			tlsCfg.RootCAs = pool
		}
		if my.tls.Cert != "" && my.tls.Key != "" {
			cert, err := tls.LoadX509KeyPair(my.tls.Cert, my.tls.Key)
			if err != nil {
				regErr = fmt.Errorf("load client cert: %w", err)
				return
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}

		name := fmt.Sprintf("dbpulse-%s-%p", my.tls.Mode, my)
		if err := driver.RegisterTLSConfig(name, tlsCfg); err != nil {
			regErr = fmt.Errorf("register tls config: %w", err)
			return
		}
		my.tlsConfigName = name
	})
	if regErr != nil {
		return "", regErr
	}
	return my.tlsConfigName, nil
}

// verifyCAOnly builds a VerifyPeerCertificate callback that checks the
// chain against the CA but skips hostname verification, approximating
// VerifyCA when the stdlib tls.Config has InsecureSkipVerify set (which
// disables both checks by default).
func verifyCAOnly(caPath string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return err
		}
		pool.AppendCertsFromPEM(pem)

		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs[i] = cert
		}
		if len(certs) == 0 {
			return fmt.Errorf("no certificates presented")
		}
		opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
		for _, c := range certs[1:] {
			opts.Intermediates.AddCert(c)
		}
		_, err = certs[0].Verify(opts)
		return err
	}
}
