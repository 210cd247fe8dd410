package resumable

import (
	"sync"

	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
)

// EventType ...
type EventType string

const (
	// EventProgress reports the bytes the server acknowledged so far.
	EventProgress EventType = "progress"
	// EventResponse carries every raw response, for diagnostics.
	EventResponse EventType = "response"
	// EventMetadata carries the final object metadata.
	EventMetadata EventType = "metadata"
	// EventError carries the error the upload failed with.
	EventError EventType = "error"
)

// Progress of an upload. TotalBytes is -1 while the size is unknown.
type Progress struct {
	BytesWritten int64
	TotalBytes   int64
}

// Event is emitted by an upload to its observers. Only the field matching
// Type is set.
type Event struct {
	Type     EventType
	Progress Progress
	Response *transport.Response
	Metadata *ObjectMetadata
	Err      error
}

// Observer receives upload events. Events are delivered synchronously and in
// order; a slow observer slows the upload down.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

type eventBus struct {
	mu           sync.Mutex
	observers    []Observer
	lastProgress int64
}

func newEventBus(observers []Observer) *eventBus {
	return &eventBus{
		observers:    append([]Observer(nil), observers...),
		lastProgress: -1,
	}
}

func (b *eventBus) subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func (b *eventBus) emit(e Event) {
	b.mu.Lock()
	if e.Type == EventProgress {
		// progress never goes backwards, even when bytes are resent
		if e.Progress.BytesWritten <= b.lastProgress {
			b.mu.Unlock()
			return
		}
		b.lastProgress = e.Progress.BytesWritten
	}
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	for _, o := range observers {
		o.OnEvent(e)
	}
}
