package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is an HTTP response the upload could not accept.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
}

// StatusErrorFromResponse reads the body of resp into a StatusError and
// replaces the body so it can still be read by the caller.
func StatusErrorFromResponse(resp *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode, Header: resp.Header}
	if resp.Body == nil {
		return statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err == nil {
		statusErr.Body = body
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return statusErr
}
