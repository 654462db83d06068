package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// QueueSize bounds the events waiting for the sinks. Record drops events
// once it is full rather than block the caller.
const QueueSize = 256

type queued struct {
	event Event
	flush chan struct{} // set for Flush markers
}

// Recorder fans events out to every configured sink from one background
// goroutine, so a slow sink never holds up a stage or a supervisor
// handler. Sink errors are logged and never returned; history is best
// effort.
type Recorder struct {
	sinkMu  sync.Mutex
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex // guards queue sends against close
	queue   chan queued
	closed  bool
	drained chan struct{}
	dropped int
}

func NewRecorder(timeout time.Duration, logger *slog.Logger, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: timeout,
		logger:  logger,
		queue:   make(chan queued, QueueSize),
		drained: make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) Add(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.sinkMu.Lock()
	r.sinks = append(r.sinks, s)
	r.sinkMu.Unlock()
}

// Record queues e for all sinks and returns immediately. A nil or closed
// Recorder is a no-op.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- queued{event: e}:
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			r.logger.Warn("history queue full, dropping events", "dropped", r.dropped, "type", e.Type, "subject", e.Subject)
		}
	}
}

// Flush waits until every event recorded before the call has been handed
// to the sinks, or ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	// Sent under the lock so Close cannot close the queue in between.
	select {
	case r.queue <- queued{flush: done}:
	case <-ctx.Done():
		r.mu.Unlock()
		return ctx.Err()
	}
	r.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) drain() {
	defer close(r.drained)
	for q := range r.queue {
		if q.flush != nil {
			close(q.flush)
			continue
		}
		r.send(q.event)
	}
}

func (r *Recorder) send(e Event) {
	r.sinkMu.Lock()
	sinks := append([]Sink(nil), r.sinks...)
	r.sinkMu.Unlock()
	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "type", e.Type, "subject", e.Subject, "error", err)
		}
		cancel()
	}
}

// Recent asks the first sink that can read back for the latest events of
// subject (all subjects when empty). Queued events are flushed first.
func (r *Recorder) Recent(ctx context.Context, subject string, limit int) ([]Event, error) {
	if r == nil {
		return nil, nil
	}
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	r.sinkMu.Lock()
	sinks := append([]Sink(nil), r.sinks...)
	r.sinkMu.Unlock()
	for _, s := range sinks {
		if rd, ok := s.(Reader); ok {
			return rd.Recent(ctx, subject, limit)
		}
	}
	return nil, nil
}

// Close delivers the queued events, then closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.drained

	r.sinkMu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.sinkMu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
