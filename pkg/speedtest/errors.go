package speedtest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"cloudspeed/pkg/retry"
	"cloudspeed/pkg/stats"
)

var (
	// ErrUnavailable means a metric produced no usable data. It is not a
	// failure of the run.
	ErrUnavailable = errors.New("speedtest: unavailable")
	// ErrCancelled means the run was interrupted before it completed.
	ErrCancelled = errors.New("speedtest: cancelled")
	// ErrUndefinedBandwidth means the server reported spending at least as
	// long on a request as the whole exchange took.
	ErrUndefinedBandwidth = errors.New("speedtest: transfer time not greater than server time")
	// ErrEmptyInput is re-exported from stats for callers of this package.
	ErrEmptyInput = stats.ErrEmptyInput
	// ErrInvalidConfig wraps every TestConfig validation failure.
	ErrInvalidConfig = errors.New("speedtest: invalid config")
)

// NetworkErrorKind names the stage at which a transport failed.
type NetworkErrorKind string

const (
	KindDNS     NetworkErrorKind = "dns"
	KindConnect NetworkErrorKind = "connect"
	KindTLS     NetworkErrorKind = "tls"
	KindTimeout NetworkErrorKind = "timeout"
)

// NetworkError is a transport-level failure.
type NetworkError struct {
	Kind NetworkErrorKind
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: network error (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is an HTTP response with a 4xx or 5xx status.
type ServerError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Status, http.StatusText(e.Status))
}

// Temporary reports whether retrying may help.
func (e *ServerError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// RelayError is a failure to reach or authenticate with the packet-loss relay.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay %s: %v", e.Op, e.Err) }
func (e *RelayError) Unwrap() error { return e.Err }

// NewServerError builds a ServerError from a response status and its
// Retry-After header (seconds or HTTP date).
func NewServerError(status int, retryAfter string, now time.Time) *ServerError {
	e := &ServerError{Status: status}
	ra := strings.TrimSpace(retryAfter)
	if ra == "" {
		return e
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
		return e
	}
	if t, err := http.ParseTime(ra); err == nil && t.After(now) {
		e.RetryAfter = t.Sub(now)
	}
	return e
}

// ClassifyNetworkError wraps a transport error in a NetworkError with the
// most specific kind it can tell. Context cancellation is returned as is,
// and errors that are already classified pass through.
func ClassifyNetworkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne *NetworkError
	var se *ServerError
	if errors.As(err, &ne) || errors.As(err, &se) {
		return err
	}
	return &NetworkError{Kind: networkErrorKind(err), Op: op, Err: err}
}

func networkErrorKind(err error) NetworkErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var (
		recErr      tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		certErr     x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recErr), errors.As(err, &verifyErr), errors.As(err, &alertErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &certErr):
		return KindTLS
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if strings.Contains(strings.ToLower(err.Error()), "tls:") {
		return KindTLS
	}
	return KindConnect
}

// RetryClass decorates err for retry.Do: client errors are permanent and
// Retry-After hints are forwarded.
func RetryClass(err error) error {
	var se *ServerError
	if errors.As(err, &se) {
		if !se.Temporary() {
			return retry.NoRetry(err)
		}
		if se.RetryAfter > 0 {
			return retry.RetryAfter(err, se.RetryAfter)
		}
		return err
	}
	if errors.Is(err, ErrUndefinedBandwidth) || errors.Is(err, context.Canceled) {
		return retry.NoRetry(err)
	}
	return err
}

// Process exit codes.
const (
	ExitSuccess = 0
	ExitNetwork = 1
	ExitServer  = 2
	ExitConfig  = 3
	ExitPartial = 4
	ExitUnknown = 99
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var (
		ne *NetworkError
		se *ServerError
	)
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return ExitConfig
	case errors.Is(err, ErrCancelled):
		return ExitPartial
	case errors.As(err, &ne):
		return ExitNetwork
	case errors.As(err, &se):
		return ExitServer
	case errors.Is(err, ErrUnavailable):
		return ExitPartial
	default:
		return ExitUnknown
	}
}
