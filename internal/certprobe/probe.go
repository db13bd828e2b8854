// Package certprobe performs a STARTTLS-style handshake against a Postgres
// or MySQL server for the sole purpose of extracting the peer leaf
// certificate's subject, issuer, and expiry. It never participates in the
// real application connection's TLS verification.
package certprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/nbari/dbpulse/internal/tlsconf"
)

// Protocol identifies which STARTTLS dialect to speak.
type Protocol int

const (
	ProtocolPostgres Protocol = iota
	ProtocolMySQL
)

// Phase tags which step of the probe failed.
type Phase string

const (
	PhaseConnection Phase = "connection"
	PhaseHandshake  Phase = "handshake"
	PhaseParse      Phase = "parse"
	PhaseTimeout    Phase = "timeout"
)

// Error is a phase-tagged probe failure. The probe never panics the
// calling iteration; failures are always returned as an *Error.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("certprobe: %s: %v", e.Phase, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Metadata is the extracted certificate/session information. All fields are
// optional: an empty string, or HasExpiry false for CertExpiryDays, means
// "not observed this probe".
type Metadata struct {
	Version         string
	Cipher          string
	CertSubject     string
	CertIssuer      string
	CertExpiryDays  int64
	HasExpiry       bool
}

const mysqlCapabilityClientSSL = 0x0800

// Probe opens a TCP connection to host:port, drives the protocol-specific
// STARTTLS exchange, performs a TLS handshake accepting any certificate,
// and extracts the leaf certificate's metadata.
func Probe(ctx context.Context, host string, port uint16, proto Protocol, cfg tlsconf.Config) (*Metadata, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Phase: PhaseTimeout, Err: ctxErr}
		}
		return nil, &Error{Phase: PhaseConnection, Err: err}
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	switch proto {
	case ProtocolPostgres:
		if err := sendPostgresSSLRequest(conn); err != nil {
			return nil, err
		}
	case ProtocolMySQL:
		if err := performMySQLStartTLS(conn); err != nil {
			return nil, err
		}
	default:
		return nil, &Error{Phase: PhaseHandshake, Err: fmt.Errorf("unknown protocol")}
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverNameFromHost(host),
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &Error{Phase: PhaseHandshake, Err: err}
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, &Error{Phase: PhaseParse, Err: fmt.Errorf("no peer certificate presented")}
	}

	md := extractCertMetadata(state.PeerCertificates[0])
	md.Version = tlsVersionName(state.Version)
	md.Cipher = tls.CipherSuiteName(state.CipherSuite)
	return md, nil
}

// sendPostgresSSLRequest sends the 8-byte SSLRequest packet and validates
// the server's single-byte response.
func sendPostgresSSLRequest(conn net.Conn) error {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], 80877103)
	if _, err := conn.Write(req); err != nil {
		return &Error{Phase: PhaseConnection, Err: err}
	}

	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return &Error{Phase: PhaseHandshake, Err: err}
	}
	if resp[0] != 'S' {
		return &Error{Phase: PhaseHandshake, Err: fmt.Errorf("server does not accept TLS")}
	}
	return nil
}

// performMySQLStartTLS reads the initial handshake frame, validates
// CLIENT_SSL support, and sends the SSLRequest response frame.
func performMySQLStartTLS(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := fullRead(conn, header); err != nil {
		return &Error{Phase: PhaseConnection, Err: err}
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16

	payload := make([]byte, length)
	if _, err := fullRead(conn, payload); err != nil {
		return &Error{Phase: PhaseHandshake, Err: err}
	}

	caps, collation, err := parseMySQLHandshake(payload)
	if err != nil {
		return &Error{Phase: PhaseParse, Err: err}
	}
	if caps&mysqlCapabilityClientSSL == 0 {
		return &Error{Phase: PhaseHandshake, Err: fmt.Errorf("server does not support CLIENT_SSL")}
	}

	const (
		clientProtocol41      = 0x00000200
		clientSSL             = 0x00000800
		clientSecureConn      = 0x00008000
		clientLongFlag        = 0x00000004
		clientPluginAuth      = 0x00080000
	)
	clientFlags := uint32(clientProtocol41 | clientSSL | clientSecureConn | clientLongFlag | clientPluginAuth)
	clientFlags &= caps | clientSSL

	if collation == 0 {
		collation = 0x21
	}

	body := make([]byte, 32)
	binary.LittleEndian.PutUint32(body[0:4], clientFlags)
	binary.LittleEndian.PutUint32(body[4:8], 16777216)
	body[8] = collation
	// body[9:32] left as zero: 23 reserved bytes

	frame := make([]byte, 4+len(body))
	frame[0] = byte(len(body))
	frame[1] = byte(len(body) >> 8)
	frame[2] = byte(len(body) >> 16)
	frame[3] = 1
	copy(frame[4:], body)

	if _, err := conn.Write(frame); err != nil {
		return &Error{Phase: PhaseConnection, Err: err}
	}
	return nil
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected short read")
		}
	}
	return total, nil
}

// parseMySQLHandshake parses the initial handshake payload and returns the
// full 32-bit capability flags and the server's collation byte.
func parseMySQLHandshake(payload []byte) (capabilities uint32, collation byte, err error) {
	if len(payload) < 1 {
		return 0, 0, fmt.Errorf("handshake payload too short")
	}
	i := 1 // protocol version

	// null-terminated server version string
	start := i
	for i < len(payload) && payload[i] != 0 {
		i++
	}
	if i >= len(payload) {
		return 0, 0, fmt.Errorf("handshake payload missing version terminator")
	}
	_ = payload[start:i]
	i++ // skip null terminator

	if len(payload) < i+4+8+1+2+1+2+2 {
		return 0, 0, fmt.Errorf("handshake payload too short for fixed fields")
	}
	i += 4 // connection id
	i += 8 // auth-plugin-data-1
	i += 1 // filler

	lower := uint32(payload[i]) | uint32(payload[i+1])<<8
	i += 2

	collation = payload[i]
	i += 1

	i += 2 // status flags

	upper := uint32(payload[i]) | uint32(payload[i+1])<<8
	i += 2

	capabilities = lower | (upper << 16)
	return capabilities, collation, nil
}

func serverNameFromHost(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ""
	}
	return host
}

func extractCertMetadata(cert *x509.Certificate) *Metadata {
	md := &Metadata{
		CertSubject: cert.Subject.String(),
		CertIssuer:  cert.Issuer.String(),
	}
	days := math.Floor(cert.NotAfter.Sub(time.Now()).Hours() / 24)
	md.CertExpiryDays = int64(days)
	md.HasExpiry = true
	return md
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}
