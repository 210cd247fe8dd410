package resumable

import (
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// AnalyticsObserver reports finished uploads to an analytics tracker.
type AnalyticsObserver struct {
	tracker  analytics.Tracker
	identity Identity
	start    time.Time

	mu             sync.Mutex
	bytesWritten   int64
	requests       int
	failedRequests int
}

// NewAnalyticsObserver creates an observer for the upload of identity. The
// upload time is measured from this call.
func NewAnalyticsObserver(tracker analytics.Tracker, identity Identity) *AnalyticsObserver {
	return &AnalyticsObserver{
		tracker:  tracker,
		identity: identity,
		start:    time.Now(),
	}
}

// NewDefaultAnalyticsObserver sends the events with the default analytics
// tracker; props are attached to every event.
func NewDefaultAnalyticsObserver(identity Identity, logger log.Logger, props analytics.Properties) *AnalyticsObserver {
	return NewAnalyticsObserver(analytics.NewDefaultTracker(logger, props), identity)
}

// OnEvent implements Observer.
func (o *AnalyticsObserver) OnEvent(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Type {
	case EventProgress:
		o.bytesWritten = e.Progress.BytesWritten
	case EventResponse:
		o.requests++
		if e.Response != nil && e.Response.StatusCode >= http.StatusBadRequest {
			o.failedRequests++
		}
	case EventMetadata:
		o.tracker.Enqueue("resumable_upload_completed", o.properties())
	case EventError:
		properties := o.properties()
		if e.Err != nil {
			properties["error"] = e.Err.Error()
		}
		o.tracker.Enqueue("resumable_upload_failed", properties)
	}
}

// Wait blocks until the enqueued events are sent.
func (o *AnalyticsObserver) Wait() {
	o.tracker.Wait()
}

func (o *AnalyticsObserver) properties() analytics.Properties {
	return analytics.Properties{
		"bucket":               o.identity.Bucket,
		"object":               o.identity.Object,
		"upload_time_s":        time.Since(o.start).Truncate(time.Second).Seconds(),
		"upload_size_bytes":    o.bytesWritten,
		"request_count":        o.requests,
		"failed_request_count": o.failedRequests,
	}
}
