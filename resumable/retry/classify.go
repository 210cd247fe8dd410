package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
)

var retryableReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"backendError":          true,
}

// IsRetryableStatus reports whether an HTTP status is a transient failure.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable is the default error classification: transient HTTP statuses,
// rate limit error bodies and network failures are retryable, caller
// cancellation and exhausted retry budgets are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryLimitExceeded) || errors.Is(err, ErrTotalTimeoutExceeded) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableStatus(statusErr.StatusCode) || hasRetryableReason(statusErr.Body)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Some transports only surface these as text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "server closed idle connection") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "tls handshake timeout")
}

type errorBody struct {
	Error struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

func hasRetryableReason(body []byte) bool {
	if len(body) == 0 {
		return false
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	for _, e := range parsed.Error.Errors {
		if retryableReasons[e.Reason] {
			return true
		}
	}
	return false
}
