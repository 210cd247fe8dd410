package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable-upload/resumable/chunkbuffer"
	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
	"github.com/docker/go-units"
)

// transmit sends the buffered input from the committed offset on. It returns
// true once the server finalized the object.
func (u *Upload) transmit() (bool, error) {
	if u.cfg.ChunkSize == 0 {
		return u.transmitStream()
	}
	return u.transmitChunks()
}

func (u *Upload) transmitChunks() (bool, error) {
	chunkSize := u.cfg.ChunkSize
	for {
		// one byte more than a chunk tells whether this chunk is the last one
		if err := u.buf.WaitForMore(u.ctx, chunkSize+1); err != nil {
			return false, u.interrupted(err)
		}
		if u.st.bytesWritten == 0 && u.st.fingerprint == nil {
			if err := u.captureFingerprint(); err != nil {
				return false, err
			}
		}

		start := u.st.bytesWritten
		chunk := u.buf.Take(chunkSize)
		last := u.buf.Drained()
		end := start + int64(len(chunk))

		if cl := u.st.contentLength; cl >= 0 && (end > cl || last != (end == cl)) {
			return false, permanent(fmt.Errorf("%w: expected %d bytes", ErrContentLengthMismatch, cl))
		}

		total := "*"
		switch {
		case u.st.contentLength >= 0:
			total = strconv.FormatInt(u.st.contentLength, 10)
		case last:
			total = strconv.FormatInt(end, 10)
		}

		header := http.Header{}
		if len(chunk) == 0 {
			header.Set("Content-Range", "bytes */"+total)
		} else {
			header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end-1, total))
		}
		u.addEncryptionHeaders(header)

		u.st.lastChunk = chunk
		u.st.bytesWritten = end

		u.logger.Debugf("Sending %s of %s (offset %d, last: %t)",
			units.BytesSize(float64(len(chunk))), u.identity.Key(), start, last)

		resp, err := u.send(transport.Request{
			Method: http.MethodPut,
			URL:    u.st.uri,
			Query:  u.userProjectQuery(),
			Header: header,
			Body:   chunk,
		}, true)
		if err != nil {
			return false, err
		}

		completed, err := u.handleChunkResponse(resp)
		if err != nil || completed {
			return completed, err
		}
	}
}

// transmitStream sends the whole remaining input in one request. A 308
// reply continues with another request from the acknowledged offset.
func (u *Upload) transmitStream() (bool, error) {
	for {
		if err := u.buf.WaitForMore(u.ctx, 1); err != nil {
			return false, u.interrupted(err)
		}
		if u.st.bytesWritten == 0 && u.st.fingerprint == nil {
			if err := u.captureFingerprint(); err != nil {
				return false, err
			}
		}

		start := u.st.bytesWritten
		total := "*"
		if u.st.contentLength >= 0 {
			total = strconv.FormatInt(u.st.contentLength, 10)
		}

		header := http.Header{}
		u.addEncryptionHeaders(header)

		req := transport.Request{
			Method: http.MethodPut,
			URL:    u.st.uri,
			Query:  u.userProjectQuery(),
			Header: header,
		}

		var reader *streamReader
		if u.buf.Drained() {
			if total == "*" {
				total = strconv.FormatInt(start, 10)
			}
			header.Set("Content-Range", "bytes */"+total)
		} else {
			header.Set("Content-Range", fmt.Sprintf("bytes %d-*/%s", start, total))
			reader = newStreamReader(u.ctx, u.buf, u.buf.Limit())
			req.BodyReader = reader
			req.ContentLength = -1
		}

		u.logger.Debugf("Streaming %s from offset %d", u.identity.Key(), start)

		resp, err := u.send(req, false)
		if reader != nil {
			sent, tail := reader.close()
			u.st.bytesWritten += sent
			u.st.lastChunk = tail
		}
		if err != nil {
			return false, err
		}

		if cl := u.st.contentLength; cl >= 0 && (u.st.bytesWritten > cl || (u.buf.Drained() && u.st.bytesWritten < cl)) {
			return false, permanent(fmt.Errorf("%w: expected %d bytes, got %d", ErrContentLengthMismatch, cl, u.st.bytesWritten))
		}

		completed, err := u.handleChunkResponse(resp)
		if err != nil || completed {
			return completed, err
		}
	}
}

// send performs one upload request with the per-request timeout. Chunk
// requests are watched for hangs once the average chunk duration is known.
func (u *Upload) send(req transport.Request, watchHung bool) (*transport.Response, error) {
	ctx, cancel := context.WithCancelCause(u.ctx)
	defer cancel(nil)

	reqCtx := ctx
	if u.cfg.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		reqCtx, cancelTimeout = context.WithTimeout(ctx, u.cfg.RequestTimeout)
		defer cancelTimeout()
	}

	start := time.Now()
	if u.st.firstRequestAt.IsZero() {
		u.st.firstRequestAt = start
	}
	if watchHung {
		go u.stats.watchHung(ctx, cancel, start, u.cfg.HungThreshold, u.logger)
	}

	u.retry.Start()
	resp, err := u.client.Do(reqCtx, req)
	if err != nil {
		if u.ctx.Err() == nil && errors.Is(context.Cause(ctx), errChunkHung) {
			return nil, fmt.Errorf("%w: %w", errChunkHung, err)
		}
		return nil, u.interrupted(err)
	}
	u.emitResponse(resp)

	if resp.StatusCode == http.StatusPermanentRedirect || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		u.stats.update(time.Since(start))
	}

	return resp, nil
}

// handleChunkResponse interprets the reply to a data request.
func (u *Upload) handleChunkResponse(resp *transport.Response) (bool, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		u.st.lastChunk = nil
		u.complete(resp)
		return true, nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		offset, err := parseRangeOffset(resp.Header.Get("Range"))
		if err != nil {
			return false, permanent(err)
		}
		if offset > u.st.bytesWritten {
			u.st.forgetSession = true
			return false, permanent(fmt.Errorf("%w: server has %d bytes, %d were sent", ErrServerOffsetAhead, offset, u.st.bytesWritten))
		}

		missing := u.st.bytesWritten - offset
		if missing > int64(len(u.st.lastChunk)) {
			u.st.forgetSession = true
			return false, permanent(fmt.Errorf("%w: server has %d bytes, %d were sent and only %d can be resent",
				ErrDataLoss, offset, u.st.bytesWritten, len(u.st.lastChunk)))
		}
		if missing > 0 {
			u.logger.Warnf("Server committed %d of %d bytes, resending the last %d", offset, u.st.bytesWritten, missing)
			u.buf.PushBack(u.st.lastChunk[int64(len(u.st.lastChunk))-missing:])
			u.st.bytesWritten = offset
		}
		u.st.lastChunk = nil
		u.acknowledged(offset)
		return false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, u.sessionLost(resp)
	default:
		return false, resp.Err()
	}
}

// streamReader feeds a streaming request from the buffer. It keeps the last
// bytes it handed out so they can be pushed back when the server commits
// less than it received.
type streamReader struct {
	ctx  context.Context
	buf  *chunkbuffer.Buffer
	keep int

	mu     sync.Mutex
	closed bool
	sent   int64
	tail   []byte
}

func newStreamReader(ctx context.Context, buf *chunkbuffer.Buffer, keep int) *streamReader {
	return &streamReader{ctx: ctx, buf: buf, keep: keep}
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.buf.WaitForMore(r.ctx, 1); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.ErrClosedPipe
	}

	data := r.buf.Take(len(p))
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	r.sent += int64(n)

	r.tail = append(r.tail, data...)
	if len(r.tail) > r.keep {
		r.tail = append([]byte(nil), r.tail[len(r.tail)-r.keep:]...)
	}

	return n, nil
}

// close stops the reader and returns the number of bytes taken from the
// buffer together with the retained tail.
func (r *streamReader) close() (int64, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return r.sent, r.tail
}
