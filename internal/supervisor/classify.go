package supervisor

import "strings"

// classifyError maps an iteration error's diagnostic string to one of the
// dbpulse_errors_total error_type label values. The substring scan is
// intentionally case-sensitive.
func classifyError(msg string) string {
	switch {
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "password"),
		strings.Contains(msg, "Access denied"):
		return "authentication"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "refused"):
		return "connection"
	case strings.Contains(msg, "transaction"):
		return "transaction"
	default:
		return "query"
	}
}

// isTLSError reports whether an error message indicates a TLS-specific
// failure.
func isTLSError(msg string) bool {
	for _, needle := range []string{"ssl", "SSL", "tls", "TLS", "certificate", "Certificate"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isUnsupportedDriver reports whether an error indicates the driver itself
// is unrecoverable (the only condition that triggers process shutdown from
// inside the loop rather than a retried iteration).
func isUnsupportedDriver(msg string) bool {
	return strings.Contains(msg, "unsupported driver")
}
