// Package events implements the ordered outbound event log that every core
// component appends to, and the sinks that consume it.
//
// Components call Emit while holding their own lock, so the order of records
// for a given account, intent or counter always matches the order of its state
// transitions. A single dispatcher goroutine (Log.Run) delivers records to the
// configured sinks in sequence order; sink failures are logged and never undo
// core state.
//
// The log mutex is the one point every emitting component shares: emits for
// unrelated accounts serialize on it for the duration of an append. It is a
// hot spot alongside the per-metric counter locks, held only for the append.
//
// Delivered records are kept in a bounded window (see WithRetention). Readers
// whose cursor falls behind the window get ErrCursorExpired; the journal is
// the durable history.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Record is a single entry of the event log.
type Record struct {
	Seq     uint64  `json:"seq"`
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
}

// Emitter is implemented by anything core components can append events to.
type Emitter interface {
	Emit(p Payload) uint64
}

// Sink consumes records delivered by Log.Run.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec Record) error
}

type discard struct{}

func (discard) Emit(Payload) uint64 { return 0 }

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// DefaultRetention is the number of delivered records a Log keeps in memory
// unless WithRetention says otherwise.
const DefaultRetention = 65536

// ErrCursorExpired is returned by Records when the requested cursor is older
// than the retained window.
var ErrCursorExpired = errors.New("event cursor expired")

// Log is an in-memory, append-only, totally ordered event log.
type Log struct {
	mu      sync.RWMutex
	base    uint64 // Seq of the last trimmed record; records[0].Seq == base+1
	records []Record
	retain  int
	signal  chan struct{} // buffered, size 1; coalesces wakeups for Run
	logger  *zap.Logger
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithRetention bounds the number of records kept once they have been
// delivered by Run. n <= 0 keeps every record.
func WithRetention(n int) LogOption {
	return func(l *Log) { l.retain = n }
}

// NewLog creates an empty Log.
func NewLog(logger *zap.Logger, opts ...LogOption) *Log {
	l := &Log{
		records: make([]Record, 0, 256),
		retain:  DefaultRetention,
		signal:  make(chan struct{}, 1),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit appends p and returns its sequence number. Sequence numbers start at 1
// and are strictly increasing.
func (l *Log) Emit(p Payload) uint64 {
	l.mu.Lock()
	seq := l.base + uint64(len(l.records)) + 1
	l.records = append(l.records, Record{Seq: seq, Kind: p.Kind(), Payload: p})
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return seq
}

// Records returns up to limit records with Seq > after, oldest first.
// A limit <= 0 returns everything after the cursor. A cursor below
// Oldest()-1 yields ErrCursorExpired.
func (l *Log) Records(after uint64, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after < l.base {
		return nil, fmt.Errorf("%w: after=%d, oldest retained seq is %d", ErrCursorExpired, after, l.base+1)
	}
	idx := after - l.base
	if idx >= uint64(len(l.records)) {
		return nil, nil
	}
	tail := l.records[idx:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Record, len(tail))
	copy(out, tail)
	return out, nil
}

// Len returns the number of records appended so far, trimmed ones included.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.base) + len(l.records)
}

// Oldest returns the Seq of the oldest retained record, or the next Seq to be
// assigned when nothing is retained.
func (l *Log) Oldest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + 1
}

// Retained returns the number of records currently held in memory.
func (l *Log) Retained() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// trim drops the oldest records once the window exceeds its bound by a
// quarter, never past delivered.
func (l *Log) trim(delivered uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.retain <= 0 || len(l.records) < l.retain+max(l.retain/4, 1) {
		return
	}
	drop := len(l.records) - l.retain
	if limit := int(delivered - l.base); drop > limit {
		drop = limit
	}
	if drop <= 0 {
		return
	}
	kept := make([]Record, len(l.records)-drop, cap(l.records))
	copy(kept, l.records[drop:])
	l.records = kept
	l.base += uint64(drop)
}

// Run delivers every record, in order, to each sink until ctx is cancelled.
// It must be called from exactly one goroutine.
func (l *Log) Run(ctx context.Context, sinks ...Sink) error {
	var cursor uint64
	for {
		// Only Run trims, and never past cursor, so this cannot expire.
		batch, _ := l.Records(cursor, 512)
		for _, rec := range batch {
			for _, s := range sinks {
				if err := s.Deliver(ctx, rec); err != nil {
					l.logger.Warn("event sink delivery failed",
						zap.String("sink", s.Name()),
						zap.Uint64("seq", rec.Seq),
						zap.String("kind", string(rec.Kind)),
						zap.Error(err),
					)
				}
			}
			cursor = rec.Seq
		}
		if len(batch) > 0 {
			l.trim(cursor)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// LogSink writes one debug line per record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, rec Record) error {
	s.logger.Debug("event",
		zap.Uint64("seq", rec.Seq),
		zap.String("kind", string(rec.Kind)),
		zap.Any("payload", rec.Payload),
	)
	return nil
}

// SinkFunc adapts a function into a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, rec Record) error
}

// Name implements Sink.
func (f SinkFunc) Name() string { return f.SinkName }

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, rec Record) error { return f.Fn(ctx, rec) }
