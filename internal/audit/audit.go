// Package audit is the fire-and-forget sink for state-change events.
// Nothing a sink does may change the outcome of the operation that fed it.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/logging"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
)

const (
	ActionTicketSold        = "ticket.sold"
	ActionLotteryEnded      = "lottery.ended"
	ActionLotteryActivated  = "lottery.activated"
	ActionLedgerCommitted   = "ledger.committed"
	ActionLedgerCompensated = "ledger.compensated"
	ActionLedgerSettled     = "ledger.settled"
	ActionWinnersRegistered = "winners.registered"
)

type Event struct {
	Action   string
	ActorID  int64
	EntityID int64
	Fields   map[string]any
	At       time.Time
}

type Sink interface {
	Record(ctx context.Context, e Event)
}

type nopSink struct{}

func (nopSink) Record(context.Context, Event) {}

// Nop returns a sink that discards events.
func Nop() Sink { return nopSink{} }

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop()
	}
	return s
}

// Writer persists one event. It runs on the Async worker goroutine.
type Writer func(e Event)

// LogWriter writes events as structured log lines.
func LogWriter(logger *zap.Logger) Writer {
	logger = logging.OrNop(logger).Named("audit")
	return func(e Event) {
		fields := []zap.Field{
			zap.String("action", e.Action),
			zap.Int64("actor_id", e.ActorID),
			zap.Int64("entity_id", e.EntityID),
			zap.Time("at", e.At),
		}
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		logger.Info("audit", fields...)
	}
}

// Async buffers events on a channel drained by a single worker. A full
// buffer drops the event; a panicking writer is recovered.
type Async struct {
	ch     chan Event
	write  Writer
	logger *zap.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAsync(buffer int, write Writer, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	return &Async{
		ch:     make(chan Event, buffer),
		write:  write,
		logger: logging.OrNop(logger),
	}
}

// Start runs the worker until ctx is cancelled or Close is called.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case e, ok := <-a.ch:
				if !ok {
					return
				}
				a.deliver(e)
			}
		}
	}()
}

func (a *Async) drain() {
	for {
		select {
		case e, ok := <-a.ch:
			if !ok {
				return
			}
			a.deliver(e)
		default:
			return
		}
	}
}

func (a *Async) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("audit: writer panicked", zap.String("action", e.Action), zap.Any("panic", r))
		}
	}()
	a.write(e)
}

func (a *Async) Record(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	defer func() {
		// send on a closed channel after shutdown
		if r := recover(); r != nil {
			metrics.RecordAuditDropped()
		}
	}()
	select {
	case a.ch <- e:
	default:
		metrics.RecordAuditDropped()
	}
}

// Close stops accepting events and waits for the worker to flush.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	a.wg.Wait()
}
