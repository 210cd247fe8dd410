package resumable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

func TestChunkStats(t *testing.T) {
	stats := newChunkStats(0)

	if stats.finishedCount() != 0 {
		t.Errorf("Expected 0 finished, got %d", stats.finishedCount())
	}

	if stats.average() != 0 {
		t.Errorf("Expected 0 average, got %v", stats.average())
	}

	stats.update(100 * time.Millisecond)
	stats.update(200 * time.Millisecond)
	stats.update(300 * time.Millisecond)

	if stats.finishedCount() != 3 {
		t.Errorf("Expected 3 finished, got %d", stats.finishedCount())
	}

	expectedAvg := 200 * time.Millisecond
	if stats.average() != expectedAvg {
		t.Errorf("Expected %v average, got %v", expectedAvg, stats.average())
	}

	expectedTotal := 600 * time.Millisecond
	if stats.totalDuration() != expectedTotal {
		t.Errorf("Expected %v total, got %v", expectedTotal, stats.totalDuration())
	}
}

func TestChunkStats_watchHung(t *testing.T) {
	t.Run("cancels a request far above the average", func(t *testing.T) {
		stats := newChunkStats(5 * time.Millisecond)
		stats.update(time.Millisecond)

		ctx, cancel := context.WithCancelCause(context.Background())
		defer cancel(nil)

		go stats.watchHung(ctx, cancel, time.Now(), 20*time.Millisecond, log.NewLogger())

		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("Expected the hung request to be cancelled")
		}
		if !errors.Is(context.Cause(ctx), errChunkHung) {
			t.Errorf("Expected errChunkHung cause, got %v", context.Cause(ctx))
		}
	})

	t.Run("never cancels before a chunk finished", func(t *testing.T) {
		stats := newChunkStats(5 * time.Millisecond)

		ctx, cancel := context.WithCancelCause(context.Background())
		done := make(chan struct{})
		go func() {
			stats.watchHung(ctx, cancel, time.Now().Add(-time.Hour), time.Millisecond, log.NewLogger())
			close(done)
		}()

		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Errorf("Expected the request to keep running, got %v", context.Cause(ctx))
		}

		cancel(nil)
		<-done
	})
}
