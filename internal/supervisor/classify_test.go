package supervisor

import "testing"

func TestClassifyError(t *testing.T) {
	cases := map[string]string{
		"authentication failed":         "authentication",
		"invalid password supplied":     "authentication",
		"Access denied for user 'x'":    "authentication",
		"i/o timeout":                   "timeout",
		"connection refused":            "connection",
		"transaction aborted":           "transaction",
		"Records don't match":           "query",
		"server is read-only":           "query",
	}
	for msg, want := range cases {
		if got := classifyError(msg); got != want {
			t.Errorf("classifyError(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestIsTLSError(t *testing.T) {
	if !isTLSError("certificate verify failed") {
		t.Error("expected certificate to be detected as TLS error")
	}
	if !isTLSError("tls: handshake failure") {
		t.Error("expected tls to be detected as TLS error")
	}
	if isTLSError("connection refused") {
		t.Error("plain connection error must not be classified as TLS")
	}
}
