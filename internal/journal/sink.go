package journal

import (
	"context"

	"github.com/jmerrifield20/nonceledger/internal/events"
	"go.uber.org/zap"
)

// AppendRecorder is an optional callback for recording append outcomes.
type AppendRecorder func(success bool)

// Sink adapts a Journal into an events.Sink.
type Sink struct {
	journal  Journal
	onAppend AppendRecorder
	logger   *zap.Logger
}

// NewSink creates a Sink writing to j.
func NewSink(j Journal, logger *zap.Logger) *Sink {
	return &Sink{journal: j, logger: logger}
}

// SetAppendRecorder configures the metrics callback.
func (s *Sink) SetAppendRecorder(fn AppendRecorder) {
	s.onAppend = fn
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "journal" }

// Deliver implements events.Sink.
func (s *Sink) Deliver(ctx context.Context, rec events.Record) error {
	e, err := s.journal.Append(ctx, rec)
	if s.onAppend != nil {
		s.onAppend(err == nil)
	}
	if err != nil {
		return err
	}
	s.logger.Debug("event journaled", zap.Uint64("seq", rec.Seq), zap.Int("idx", e.Index))
	return nil
}
