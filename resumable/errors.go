package resumable

import "errors"

var (
	// ErrInvalidConfig is returned by New for unusable configurations. No
	// request is sent in that case.
	ErrInvalidConfig = errors.New("invalid upload configuration")
	// ErrDataLoss means the server lost bytes the client can no longer resend.
	ErrDataLoss = errors.New("data loss: server offset is behind bytes that can no longer be resent")
	// ErrServerOffsetAhead means the server claims more bytes than the client
	// has sent or could send.
	ErrServerOffsetAhead = errors.New("server offset is ahead of the client")
	// ErrSessionNotFound is returned when a caller supplied session URI does not exist.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrMissingSessionURI is returned when session creation returned no Location.
	ErrMissingSessionURI = errors.New("session creation response has no Location header")
	// ErrContentLengthMismatch is returned when the input does not match the
	// configured content length.
	ErrContentLengthMismatch = errors.New("input size does not match the content length")
	// ErrUploadAborted is the default cause of Abort.
	ErrUploadAborted = errors.New("upload aborted")
	// ErrUploadCompleted is returned by Write once the object is finalized.
	ErrUploadCompleted = errors.New("upload already completed")

	errChunkHung = errors.New("chunk request hung")
)

// permanentError marks a failure the retry loop must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// unwrapPermanent strips the retry marker before the error reaches the caller.
func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok {
		return p.err
	}
	return err
}
