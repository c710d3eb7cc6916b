package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventLogger persists execution events.
type EventLogger interface {
	LogEvent(ctx context.Context, event *ExecutionEvent) error
}

// EventWriter buffers execution status transitions and writes them in the
// background so the orchestrator never blocks on the audit table.
type EventWriter struct {
	sink EventLogger
	ch   chan *ExecutionEvent
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewEventWriter(sink EventLogger, bufferSize int) *EventWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &EventWriter{
		sink: sink,
		ch:   make(chan *ExecutionEvent, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *EventWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record enqueues a transition. It never blocks; a full buffer drops the event.
func (w *EventWriter) Record(executionID string, from, to Status, detail string) {
	event := &ExecutionEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		From:        from,
		To:          to,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	select {
	case w.ch <- event:
	default:
		log.Warn().Str("exec_id", executionID).Msg("event buffer full, dropping transition")
	}
}

// Flush stops the writer and waits up to timeout for queued events to drain.
func (w *EventWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("event writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("event writer flush timed out")
	}
}

func (w *EventWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case event := <-w.ch:
			w.writeWithRetry(event)
		case <-w.done:
			for {
				select {
				case event := <-w.ch:
					w.writeWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *EventWriter) writeWithRetry(event *ExecutionEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.LogEvent(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", event.ExecutionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("event write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", event.ExecutionID).
				Msg("event write failed permanently after retries")
		}
	}
}
