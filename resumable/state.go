package resumable

import "time"

// State of an upload.
type State int32

const (
	// StateIdle waits for the first byte or the end of input.
	StateIdle State = iota
	// StateNegotiating resolves the session and the committed offset.
	StateNegotiating
	// StateTransmitting sends chunk requests.
	StateTransmitting
	// StateSuspendedPendingRetry waits out a backoff delay.
	StateSuspendedPendingRetry
	// StateCompleted is final: the object was created.
	StateCompleted
	// StateFailed is final: the upload stopped with an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateTransmitting:
		return "transmitting"
	case StateSuspendedPendingRetry:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Final reports whether the state is terminal.
func (s State) Final() bool {
	return s == StateCompleted || s == StateFailed
}

// uploadState is owned by the engine goroutine; nothing else reads or writes it.
type uploadState struct {
	uri                 string
	uriProvidedManually bool

	// offset is the committed offset reported by the server, -1 if unknown.
	offset int64
	// highestOffset is the largest offset the server ever acknowledged.
	highestOffset int64
	// bytesWritten counts the bytes taken from the buffer, net of push-backs.
	bytesWritten int64
	// contentLength is the total size, -1 if unknown.
	contentLength int64

	firstRequestAt time.Time
	// lastChunk holds the bytes of the last request that are not yet acknowledged.
	lastChunk []byte
	// fingerprint is the first bytes of the upload once captured.
	fingerprint []byte

	// forgetSession makes a failed upload delete its store entry. It is set
	// when the session can never complete with this input.
	forgetSession bool
}

func newUploadState(cfg Config) uploadState {
	st := uploadState{offset: -1, highestOffset: -1, contentLength: -1}
	if cfg.ContentLength > 0 {
		st.contentLength = cfg.ContentLength
	}
	return st
}
