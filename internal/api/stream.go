package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/batch"
)

// SSEWriter writes Server-Sent Events and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event. Every line of a multi-line payload gets its own
// "data:" prefix so a newline cannot end the event early.
func (s *SSEWriter) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendJSON encodes v as the event payload.
func (s *SSEWriter) SendJSON(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(event, string(b))
}

// HandleBatchEvents streams a batch's aggregate as it moves. A "status"
// event is sent whenever the snapshot changes, then a single "done" event
// once the batch is terminal.
func (h *Handlers) HandleBatchEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Resolve the batch before committing to a stream so a bad id is a 404.
	st, err := h.batches.GetBatchStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var last *BatchEvent
	for {
		ev := batchEvent(st)
		if st.Batch.Status.Terminal() {
			if err := sse.SendJSON("done", ev); err != nil {
				log.Debug().Err(err).Str("batch_id", id).Msg("event stream closed")
			}
			return
		}
		if last == nil || !reflect.DeepEqual(*last, *ev) {
			if err := sse.SendJSON("status", ev); err != nil {
				log.Debug().Err(err).Str("batch_id", id).Msg("event stream closed")
				return
			}
			last = ev
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		st, err = h.batches.GetBatchStatus(r.Context(), id)
		if err != nil {
			if r.Context().Err() == nil {
				log.Warn().Err(err).Str("batch_id", id).Msg("batch event stream failed")
				_ = sse.Send("error", err.Error())
			}
			return
		}
	}
}

func batchEvent(st *batch.Status) *BatchEvent {
	return &BatchEvent{
		BatchID:  st.Batch.ID,
		Status:   st.Batch.Status,
		Counts:   st.Counts,
		Total:    st.Batch.TotalInstances,
		Children: st.Children,
	}
}
