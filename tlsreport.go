package inspector

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// Handshake sides.
const (
	SideClient   = "client"
	SideUpstream = "upstream"
)

// HandshakeError describes a failed TLS handshake observed by the engine.
type HandshakeError struct {
	// Side is SideClient when the intercepted client rejected our
	// certificate, SideUpstream when the origin server failed.
	Side string

	// Host is the SNI or CONNECT host, if known.
	Host string

	Err error
}

func (e *HandshakeError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s handshake for %s: %v", e.Side, e.Host, e.Err)
	}
	return fmt.Sprintf("%s handshake: %v", e.Side, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TLSFailureReporter logs TLS handshake failures. It keeps no state and
// never retries.
type TLSFailureReporter struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// ReportHandshakeFailure emits one error-level line naming the peer and
// the failure.
func (r *TLSFailureReporter) ReportHandshakeFailure(peer string, err error) {
	side := SideClient
	var he *HandshakeError
	if errors.As(err, &he) && he.Side != "" {
		side = he.Side
	}
	reason := HandshakeFailureReason(err)

	if r.Metrics != nil {
		r.Metrics.RecordTLSHandshakeError(side, reason)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(fmt.Sprintf("TLS handshake failed with %s: %v", peer, err),
		"side", side,
		"reason", reason,
	)
}

// HandshakeFailureReason classifies a handshake error into a short label.
func HandshakeFailureReason(err error) string {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
		recordErr   tls.RecordHeaderError
		netErr      net.Error
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &unknownAuth):
		return "unknown_authority"
	case errors.As(err, &hostErr):
		return "hostname_mismatch"
	case errors.As(err, &invalidErr):
		return "certificate_invalid"
	case errors.As(err, &verifyErr):
		return "certificate"
	case errors.As(err, &alertErr):
		return "alert"
	case errors.As(err, &recordErr):
		return "not_tls"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "other"
	}
}
