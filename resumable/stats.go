package resumable

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const defaultHungCheckInterval = time.Second

// chunkStats tracks chunk request durations for hung detection and reporting.
type chunkStats struct {
	// checkInterval is how often an in-flight chunk request is checked.
	checkInterval time.Duration

	sum            time.Duration
	finishedChunks int64
	mu             sync.Mutex
}

func newChunkStats(checkInterval time.Duration) *chunkStats {
	if checkInterval <= 0 {
		checkInterval = defaultHungCheckInterval
	}
	return &chunkStats{checkInterval: checkInterval}
}

// update records a successful chunk request duration.
func (s *chunkStats) update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// average returns the average duration of the finished chunk requests.
func (s *chunkStats) average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

func (s *chunkStats) finishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

func (s *chunkStats) totalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// watchHung cancels the chunk request with errChunkHung once it runs longer
// than the average chunk request by threshold. Nothing is cancelled before the
// first chunk finished. It returns when ctx is done.
func (s *chunkStats) watchHung(ctx context.Context, cancel context.CancelCauseFunc, start time.Time, threshold time.Duration, logger log.Logger) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.finishedCount() > 0 {
				elapsed := time.Since(start)
				avg := s.average()
				if elapsed-avg > threshold {
					logger.Warnf("Found hung chunk request; canceling it after %s (avg: %s)",
						elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel(errChunkHung)
					return
				}
			}
		}
	}
}
