package myconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nbari/dbpulse/internal/dsnutil"
	"github.com/nbari/dbpulse/internal/tlsconf"
)

func writeCnf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".my.cnf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write cnf: %v", err)
	}
	return path
}

func TestLoadBasic(t *testing.T) {
	path := writeCnf(t, "[client]\nuser=probe\npassword=secret\nhost=db-a\nport=3306\nsslmode=require\n")
	dsn, tls, err := Load(path, "client", dsnutil.MySQL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dsn.Username != "probe" || dsn.Password != "secret" || dsn.Host != "db-a" || dsn.Port != 3306 {
		t.Fatalf("unexpected dsn: %+v", dsn)
	}
	if tls.Mode != tlsconf.Require {
		t.Fatalf("expected Require mode, got %v", tls.Mode)
	}
}

func TestLoadMissingUser(t *testing.T) {
	path := writeCnf(t, "[client]\nhost=db-a\n")
	if _, _, err := Load(path, "client", dsnutil.MySQL); err == nil {
		t.Fatal("expected error for missing user")
	}
}
