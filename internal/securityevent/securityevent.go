// Package securityevent carries the gateway's security-relevant
// occurrences to a sink without blocking the request path.
package securityevent

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aussielabs/aussie/internal/logging"
)

// Kind classifies an event.
type Kind string

const (
	KindAuthFailure        Kind = "auth_failure"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindSSRFBlocked        Kind = "ssrf_blocked"
	KindSessionInvalidated Kind = "session_invalidated"
)

// Event is one security occurrence.
type Event struct {
	Kind      Kind
	ClientID  string
	ServiceID string
	RequestID string
	Detail    string
	At        time.Time
}

// Sink receives events. Dispatch must not block.
type Sink interface {
	Dispatch(Event)
	Close()
}

// Dispatcher queues events onto a sink goroutine; a full queue drops
// the event and counts it rather than stalling a request.
type Dispatcher struct {
	queue   chan Event
	dropped atomic.Int64
	done    chan struct{}
}

// NewDispatcher starts the dispatch goroutine. bufferSize <= 0 uses a
// default of 1024.
func NewDispatcher(bufferSize int, emit func(Event)) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if emit == nil {
		emit = logEvent
	}
	d := &Dispatcher{
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for ev := range d.queue {
			emit(ev)
		}
	}()
	return d
}

// Dispatch enqueues the event, stamping At when unset.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to backpressure.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close drains the queue and stops the goroutine.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
}

// logEvent is the default sink: one structured warn line per event.
func logEvent(ev Event) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	)
	if ev.ClientID != "" {
		fields = append(fields, zap.String("client_id", ev.ClientID))
	}
	if ev.ServiceID != "" {
		fields = append(fields, zap.String("service", ev.ServiceID))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	logging.Warn("security event", fields...)
}
