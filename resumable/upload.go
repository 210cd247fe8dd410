// Package resumable uploads a byte stream to a GCS style object store
// through the resumable upload protocol.
//
// An Upload is an io.WriteCloser. The caller writes the object bytes, the
// engine goroutine cuts them into chunk requests, keeps the server's committed
// offset and the client's progress consistent, and persists the session so a
// later Upload of the same object can continue where a crashed one stopped.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-resumable-upload/resumable/chunkbuffer"
	"github.com/bitrise-io/go-resumable-upload/resumable/retry"
	"github.com/bitrise-io/go-resumable-upload/resumable/sessionstore"
	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Upload is a single resumable upload.
type Upload struct {
	cfg      Config
	identity Identity
	logger   log.Logger
	client   *transport.Client
	retry    *retry.Controller
	store    sessionstore.Store
	buf      *chunkbuffer.Buffer
	bus      *eventBus
	stats    *chunkStats

	ctx    context.Context
	cancel context.CancelCauseFunc

	// st is only touched by the engine goroutine.
	st uploadState

	state    atomic.Int32
	done     chan struct{}
	mu       sync.Mutex
	err      error
	metadata *ObjectMetadata
}

// New validates cfg and starts the upload engine. Bytes are sent as they are
// written; Close finishes the upload.
func New(ctx context.Context, cfg Config) (*Upload, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	store := cfg.Store
	if store == nil {
		fileStore, err := sessionstore.NewFileStore(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
		}
		store = fileStore
	}

	if cfg.ChunkSize > 0 && cfg.ChunkSize%chunkGranularity != 0 {
		cfg.Logger.Warnf("Chunk size %s is not a multiple of 256 KiB, the service may reject non-final chunks",
			units.BytesSize(float64(cfg.ChunkSize)))
	}

	logger := cfg.Logger
	controller := retry.NewController(cfg.Retry)
	controller.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnf("Upload request failed (attempt %d/%d), retrying in %s: %s",
			attempt, cfg.Retry.MaxRetries, delay.Round(time.Millisecond), err)
	}

	client := transport.NewClient(transport.Options{
		HTTPClient:    cfg.HTTPClient,
		Authenticator: cfg.Authenticator,
		CheckRetry:    controller.CheckRetry,
		Backoff:       controller.Backoff,
		RetryMax:      cfg.Retry.MaxRetries,
		Logger:        logger,
	})

	runCtx, cancel := context.WithCancelCause(ctx)
	u := &Upload{
		cfg:      cfg,
		identity: cfg.Identity(),
		logger:   logger,
		client:   client,
		retry:    controller,
		store:    store,
		buf:      chunkbuffer.New(cfg.bufferLimit()),
		bus:      newEventBus(cfg.Observers),
		stats:    newChunkStats(cfg.hungCheckInterval),
		ctx:      runCtx,
		cancel:   cancel,
		st:       newUploadState(cfg),
		done:     make(chan struct{}),
	}

	go u.run()

	return u, nil
}

// Write queues p for upload. It blocks while the internal buffer is full.
func (u *Upload) Write(p []byte) (int, error) {
	n, err := u.buf.Write(u.ctx, p)
	if err != nil {
		if failure := u.Err(); failure != nil {
			return n, failure
		}
		if errors.Is(err, context.Canceled) {
			return n, context.Cause(u.ctx)
		}
	}
	return n, err
}

// Close signals the end of input and waits until the upload finished.
func (u *Upload) Close() error {
	u.buf.End()
	return u.Wait()
}

// Abort stops the upload. In-flight requests are cancelled and the session
// is kept in the store, so the upload can be resumed later. A nil err
// aborts with ErrUploadAborted.
func (u *Upload) Abort(err error) {
	if err == nil {
		err = ErrUploadAborted
	}
	u.cancel(err)
	u.buf.Abort(err)
}

// Wait blocks until the upload finished and returns its error.
func (u *Upload) Wait() error {
	<-u.done
	return u.Err()
}

// Done is closed once the upload finished.
func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Err returns the error the upload failed with, nil while it runs or after it succeeded.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Metadata returns the object metadata of a completed upload.
func (u *Upload) Metadata() *ObjectMetadata {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.metadata
}

// State returns the current state of the engine.
func (u *Upload) State() State {
	return State(u.state.Load())
}

// Subscribe registers an observer for the upload events.
func (u *Upload) Subscribe(o Observer) {
	u.bus.subscribe(o)
}

func (u *Upload) setState(s State) {
	old := State(u.state.Swap(int32(s)))
	if old != s {
		u.logger.Debugf("Upload %s: %s -> %s", u.identity.Key(), old, s)
	}
}

func (u *Upload) run() {
	defer close(u.done)
	defer u.cancel(nil)

	u.setState(StateIdle)
	err := u.loop()
	if err != nil {
		u.fail(unwrapPermanent(err))
	}
}

func (u *Upload) loop() error {
	if err := u.buf.WaitForMore(u.ctx, 1); err != nil {
		return u.interrupted(err)
	}

	for {
		u.setState(StateNegotiating)
		completed, err := u.negotiate()
		if err == nil && !completed {
			u.setState(StateTransmitting)
			completed, err = u.transmit()
		}
		if err == nil && completed {
			return nil
		}
		if err == nil {
			continue
		}

		delay, err := u.retryDelay(err)
		if err != nil {
			return err
		}
		if err := u.suspend(delay); err != nil {
			return err
		}
	}
}

// retryDelay decides whether err is retried and how long to wait before.
func (u *Upload) retryDelay(err error) (time.Duration, error) {
	if u.ctx.Err() != nil {
		return 0, context.Cause(u.ctx)
	}
	if isPermanent(err) {
		return 0, err
	}
	if !errors.Is(err, errChunkHung) && !u.retry.Retryable(err) {
		return 0, err
	}
	return u.retry.Next(err)
}

// suspend returns the unacknowledged bytes to the buffer and waits out delay.
// The committed offset is queried again afterwards.
func (u *Upload) suspend(delay time.Duration) error {
	u.setState(StateSuspendedPendingRetry)
	u.pushBackLastChunk()
	u.st.offset = -1

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-u.ctx.Done():
		return context.Cause(u.ctx)
	case <-timer.C:
		return nil
	}
}

func (u *Upload) pushBackLastChunk() {
	if len(u.st.lastChunk) == 0 {
		return
	}
	u.buf.PushBack(u.st.lastChunk)
	u.st.bytesWritten -= int64(len(u.st.lastChunk))
	u.st.lastChunk = nil
}

// interrupted maps buffer and context failures to the cause of the interruption.
func (u *Upload) interrupted(err error) error {
	if u.ctx.Err() != nil {
		return context.Cause(u.ctx)
	}
	return err
}

// acknowledged records a committed offset reported by the server. New
// progress starts a fresh retry sequence.
func (u *Upload) acknowledged(offset int64) {
	if offset > u.st.highestOffset {
		u.st.highestOffset = offset
		u.retry.Reset()
	}
	u.st.offset = offset
	u.bus.emit(Event{Type: EventProgress, Progress: Progress{BytesWritten: offset, TotalBytes: u.st.contentLength}})
}

func (u *Upload) complete(resp *transport.Response) {
	metadata, err := parseObjectMetadata(resp.Body)
	if err != nil {
		u.logger.Warnf("Failed to parse object metadata: %s", err)
	}

	u.deleteSession()

	size := u.st.bytesWritten
	if metadata != nil {
		if reported, err := strconv.ParseInt(metadata.Size, 10, 64); err == nil && reported > size {
			size = reported
		}
	}
	u.acknowledged(size)

	u.mu.Lock()
	u.metadata = metadata
	u.mu.Unlock()

	var elapsed time.Duration
	if !u.st.firstRequestAt.IsZero() {
		elapsed = time.Since(u.st.firstRequestAt)
	}

	u.setState(StateCompleted)
	u.logger.Donef("Uploaded %s to %s in %s (%d chunk requests, %s sending)", units.HumanSizeWithPrecision(float64(size), 3),
		u.identity.Key(), elapsed.Round(time.Millisecond), u.stats.finishedCount(), u.stats.totalDuration().Round(time.Millisecond))
	u.bus.emit(Event{Type: EventMetadata, Metadata: metadata})

	u.buf.Abort(ErrUploadCompleted)
}

func (u *Upload) fail(err error) {
	if u.st.forgetSession {
		u.deleteSession()
	}

	u.mu.Lock()
	u.err = err
	u.mu.Unlock()

	u.setState(StateFailed)
	u.logger.Errorf("Upload of %s failed: %s", u.identity.Key(), err)
	u.bus.emit(Event{Type: EventError, Err: err})

	u.buf.Abort(err)
}

func (u *Upload) deleteSession() {
	if err := u.store.Delete(context.WithoutCancel(u.ctx), u.identity.Key()); err != nil {
		u.logger.Warnf("Failed to delete upload session of %s: %s", u.identity.Key(), err)
	}
}

func (u *Upload) saveSession() {
	d := sessionstore.Descriptor{URI: u.st.uri, FirstChunk: u.st.fingerprint}
	if err := u.store.Set(context.WithoutCancel(u.ctx), u.identity.Key(), d); err != nil {
		u.logger.Warnf("Failed to save upload session of %s: %s", u.identity.Key(), err)
	}
}
