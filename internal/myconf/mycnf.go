// Package myconf loads dbpulse's DSN and TLS configuration from a
// `.my.cnf`-style ini file, used as a fallback when no DSN is supplied
// directly via flag or environment variable.
package myconf

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/nbari/dbpulse/internal/dsnutil"
	"github.com/nbari/dbpulse/internal/tlsconf"
)

// Section mirrors the subset of a `[client]`-style ini section dbpulse
// understands.
type Section struct {
	User     string `ini:"user"`
	Password string `ini:"password"`
	Host     string `ini:"host"`
	Port     uint16 `ini:"port"`
	Socket   string `ini:"socket"`
	SSLCA    string `ini:"ssl-ca"`
	SSLCert  string `ini:"ssl-cert"`
	SSLKey   string `ini:"ssl-key"`
	SSLMode  string `ini:"sslmode"`
	Database string `ini:"database"`
}

// Load reads path (an ini file permitting bare boolean keys, matching
// MySQL's own .cnf parsing leniency) and builds a DSN + TLS config for the
// given driver from the named section (conventionally "client").
func Load(path string, section string, driver dsnutil.Driver) (dsnutil.DSN, tlsconf.Config, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return dsnutil.DSN{}, tlsconf.Config{}, fmt.Errorf("myconf: load %s: %w", path, err)
	}

	var sec Section
	if err := cfg.Section(section).MapTo(&sec); err != nil {
		return dsnutil.DSN{}, tlsconf.Config{}, fmt.Errorf("myconf: parse section %s: %w", section, err)
	}
	if sec.User == "" {
		return dsnutil.DSN{}, tlsconf.Config{}, fmt.Errorf("myconf: section %s missing user", section)
	}

	dsn := dsnutil.DSN{
		Driver:   driver,
		Username: sec.User,
		Password: sec.Password,
		Host:     sec.Host,
		Port:     sec.Port,
		Database: sec.Database,
		Socket:   sec.Socket,
		Params:   map[string]string{},
	}

	tls := tlsconf.Config{
		CA:   sec.SSLCA,
		Cert: sec.SSLCert,
		Key:  sec.SSLKey,
	}
	if sec.SSLMode != "" {
		tls.Mode = tlsconf.ParseMode(sec.SSLMode)
	}

	return dsn, tls, nil
}
