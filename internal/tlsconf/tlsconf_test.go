package tlsconf

import "testing"

func TestParseModeRoundTrip(t *testing.T) {
	modes := []Mode{Disable, Require, VerifyCA, VerifyFull}
	for _, m := range modes {
		got := ParseMode(m.String())
		if got != m {
			t.Fatalf("ParseMode(%q) = %v, want %v", m.String(), got, m)
		}
	}
}

func TestParseModeCaseInsensitive(t *testing.T) {
	cases := map[string]Mode{
		"REQUIRE":     Require,
		"Verify-CA":   VerifyCA,
		"verify_full": VerifyFull,
		"":            Disable,
		"bogus":       Disable,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsEnabled(t *testing.T) {
	if Disable.IsEnabled() {
		t.Error("Disable must not be enabled")
	}
	for _, m := range []Mode{Require, VerifyCA, VerifyFull} {
		if !m.IsEnabled() {
			t.Errorf("%v should be enabled", m)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disable ok", Config{Mode: Disable}, false},
		{"verify-ca needs CA", Config{Mode: VerifyCA}, true},
		{"verify-ca with CA ok", Config{Mode: VerifyCA, CA: "/ca.pem"}, false},
		{"verify-full needs CA", Config{Mode: VerifyFull}, true},
		{"cert without key", Config{Cert: "/c.pem"}, true},
		{"key without cert", Config{Key: "/k.pem"}, true},
		{"cert and key ok", Config{Cert: "/c.pem", Key: "/k.pem"}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
