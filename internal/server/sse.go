package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonathan/content-pipeline/internal/pipeline"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers and lifts the server write
// deadline for this response.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("failed to clear write deadline: %w", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming not supported: %w", err)
	}

	return &SSEWriter{w: w, rc: rc}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

// WriteComment sends a comment line, used as a keep-alive.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent(EventError, map[string]string{"error": message}) //nolint:errcheck
}

// EventError is published when a background run ends with an error before or
// outside any stage.
const EventError = "error"

// subscriberBuffer is how many events a slow subscriber may lag before events
// are dropped for it.
const subscriberBuffer = 64

// Broker fans progress events out to per-execution subscribers. Publish never
// blocks the pipeline.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan pipeline.ProgressEvent]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan pipeline.ProgressEvent]struct{}{}}
}

// Publish delivers e to the subscribers of its execution. It has the
// pipeline.ProgressCallback signature. A full subscriber drops the event,
// except for events that end a stream: those displace the oldest buffered one.
func (b *Broker) Publish(e pipeline.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	final := endsStream(e.Type)
	for ch := range b.subs[e.ExecutionID] {
		select {
		case ch <- e:
			continue
		default:
		}
		if !final {
			continue
		}
		// Only Publish sends, under mu, so one receive always frees a slot.
		select {
		case <-ch:
		default:
		}
		ch <- e
	}
}

// Subscribe returns a channel of the execution's events and a cancel func that
// must be called once.
func (b *Broker) Subscribe(executionID string) (<-chan pipeline.ProgressEvent, func()) {
	ch := make(chan pipeline.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = map[chan pipeline.ProgressEvent]struct{}{}
	}
	b.subs[executionID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[executionID], ch)
		if len(b.subs[executionID]) == 0 {
			delete(b.subs, executionID)
		}
	}
}

// Subscribers counts the open subscriptions of an execution.
func (b *Broker) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[executionID])
}

// endsStream reports whether a stream should close after this event.
func endsStream(eventType string) bool {
	switch eventType {
	case pipeline.EventCompleted, pipeline.EventPaused, pipeline.EventStageFailed, EventError:
		return true
	}
	return false
}
