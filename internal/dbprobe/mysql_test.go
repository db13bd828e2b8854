package dbprobe

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	driver "github.com/go-sql-driver/mysql"
	"github.com/smartystreets/goconvey/convey"
)

func TestMySQLEnsureTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	my := &MySQL{table: "dbpulse_rw"}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS dbpulse_rw`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := my.ensureTable(context.Background(), db); err != nil {
		t.Fatalf("ensureTable: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMySQLTransactionRollbackCheckSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	my := &MySQL{table: "dbpulse_rw"}
	rid := int32(3)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO dbpulse_rw`).WithArgs(rid).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE dbpulse_rw SET t1=\? WHERE id=\?`).WithArgs(0, rid).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT t1 FROM dbpulse_rw WHERE id=\?`).WithArgs(rid).
		WillReturnRows(sqlmock.NewRows([]string{"t1"}).AddRow(0))
	mock.ExpectRollback()
	mock.ExpectQuery(`SELECT t1 FROM dbpulse_rw WHERE id=\?`).WithArgs(rid).
		WillReturnRows(sqlmock.NewRows([]string{"t1"}).AddRow(999))

	if err := my.transactionRollbackCheck(context.Background(), db, rid); err != nil {
		t.Fatalf("transactionRollbackCheck: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueryMySQLReadOnlyInt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT @@read_only`).WillReturnRows(sqlmock.NewRows([]string{"@@read_only"}).AddRow(1))

	ro, err := queryMySQLReadOnly(context.Background(), db)
	if err != nil {
		t.Fatalf("queryMySQLReadOnly: %v", err)
	}
	if !ro {
		t.Fatal("expected read_only=true")
	}
}

func TestQueryMySQLReplicationLag(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cols := []string{"Source_Host", "Seconds_Behind_Source"}
	mock.ExpectQuery(`SHOW REPLICA STATUS`).WillReturnRows(
		sqlmock.NewRows(cols).AddRow("db-primary", "12"),
	)

	lag, ok := queryMySQLReplicationLag(context.Background(), db)
	convey.Convey("replication lag is parsed from the named column", t, func() {
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(lag, convey.ShouldEqual, int64(12))
	})
}

func TestQueryMySQLReplicationLagMissingColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SHOW REPLICA STATUS`).WillReturnRows(
		sqlmock.NewRows([]string{"Source_Host"}).AddRow("db-primary"),
	)

	_, ok := queryMySQLReplicationLag(context.Background(), db)
	if ok {
		t.Fatal("expected ok=false when Seconds_Behind_Source is absent")
	}
}

func TestQueryMySQLSSLStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SHOW STATUS LIKE 'Ssl_version'`).WillReturnRows(
		sqlmock.NewRows([]string{"Variable_name", "Value"}).AddRow("Ssl_version", "TLSv1.3"),
	)

	v, ok := queryMySQLSSLStatus(context.Background(), db, "Ssl_version")
	if !ok || v != "TLSv1.3" {
		t.Fatalf("queryMySQLSSLStatus = (%q, %v), want (TLSv1.3, true)", v, ok)
	}
}

func TestIsMySQLBadDB(t *testing.T) {
	if !isMySQLBadDB(&driver.MySQLError{Number: mysqlErrBadDB, Message: "Unknown database"}) {
		t.Fatal("expected error 1049 to be recognized as bad-db")
	}
	if isMySQLBadDB(&driver.MySQLError{Number: 1045, Message: "Access denied"}) {
		t.Fatal("unrelated MySQL error must not be recognized as bad-db")
	}
}
