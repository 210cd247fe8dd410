// Package chunkbuffer provides the ordered byte queue that sits between the
// caller's writes and the upload request pipeline.
//
// Writers are throttled once the queue holds its limit (backpressure) and the
// single reader pulls bounded slices with Take. Bytes that were pulled but not
// acknowledged by the server can be returned to the front with PushBack.
package chunkbuffer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Write after the input has been ended.
var ErrClosed = errors.New("chunk buffer: write after end of input")

// Buffer is a bounded FIFO byte queue safe for one writer and one reader.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	limit   int
	ended   bool
	err     error
	changed chan struct{}
}

// New creates a Buffer that blocks writers once limit bytes are queued.
// A limit <= 0 disables backpressure.
func New(limit int) *Buffer {
	return &Buffer{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// broadcast wakes every goroutine waiting on the buffer. Must be called with mu held.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Write queues a copy of p. It blocks while the buffer is full and returns
// the number of bytes queued before an error occurred.
func (b *Buffer) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return written, err
		}
		if b.ended {
			b.mu.Unlock()
			return written, ErrClosed
		}

		n := len(p)
		if b.limit > 0 {
			free := b.limit - len(b.data)
			if free <= 0 {
				ch := b.changed
				b.mu.Unlock()

				select {
				case <-ctx.Done():
					return written, ctx.Err()
				case <-ch:
				}
				continue
			}
			if n > free {
				n = free
			}
		}

		b.data = append(b.data, p[:n]...)
		b.broadcast()
		b.mu.Unlock()

		written += n
		p = p[n:]
	}
	return written, nil
}

// End signals that no more input will arrive.
func (b *Buffer) End() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ended {
		return
	}
	b.ended = true
	b.broadcast()
}

// Abort fails every pending and future Write and WaitForMore with err and
// drops the queued bytes.
func (b *Buffer) Abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}
	b.err = err
	b.data = nil
	b.broadcast()
}

// Take removes and returns up to size bytes from the front of the queue.
// It never blocks; an empty result means the queue is empty.
func (b *Buffer) Take(size int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.data)
	if size >= 0 && n > size {
		n = size
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = append(b.data[:0:0], b.data[n:]...)
	b.broadcast()

	return out
}

// PushBack returns p to the front of the queue so it is taken again before
// anything that is already queued.
func (b *Buffer) PushBack(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}

	data := make([]byte, 0, len(p)+len(b.data))
	data = append(data, p...)
	b.data = append(data, b.data...)
	b.broadcast()
}

// Peek returns a copy of the first n queued bytes (fewer if less is queued)
// without consuming them.
func (b *Buffer) Peek(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	return out
}

// Discard drops up to n bytes from the front of the queue and returns how
// many were dropped.
func (b *Buffer) Discard(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.data) {
		n = len(b.data)
	}
	if n <= 0 {
		return 0
	}
	b.data = append(b.data[:0:0], b.data[n:]...)
	b.broadcast()
	return n
}

// WaitForMore blocks until at least n bytes are queued or the input has ended.
// n is capped at the buffer limit, otherwise a full buffer could never satisfy it.
func (b *Buffer) WaitForMore(ctx context.Context, n int) error {
	for {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return err
		}
		want := n
		if b.limit > 0 && want > b.limit {
			want = b.limit
		}
		if len(b.data) >= want || b.ended {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Len returns the number of queued bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Limit returns the backpressure limit.
func (b *Buffer) Limit() int {
	return b.limit
}

// Ended reports whether End was called.
func (b *Buffer) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Drained reports whether the input has ended and every byte was taken.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended && len(b.data) == 0
}
