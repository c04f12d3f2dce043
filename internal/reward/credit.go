// Package reward holds the reward collaborator boundary of the intent ledger.
// The ledger only announces credits; accounting is the collaborator's job.
package reward

import (
	"context"

	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"go.uber.org/zap"
)

// Credit is the notice sent after a successful execution.
type Credit struct {
	Executor identity.Address `json:"executor"`
	IntentID digest.Digest    `json:"intent_id"`
	Volume   uint64           `json:"volume"`
}

// NoopNotifier logs credits instead of forwarding them anywhere.
// Use in development or when no reward endpoint is configured.
type NoopNotifier struct {
	logger *zap.Logger
}

// NewNoopNotifier creates a NoopNotifier backed by the given logger.
func NewNoopNotifier(logger *zap.Logger) *NoopNotifier {
	return &NoopNotifier{logger: logger}
}

// NotifyReward logs the credit and returns nil.
func (n *NoopNotifier) NotifyReward(_ context.Context, c Credit) error {
	n.logger.Info("reward credit (noop, not forwarded)",
		zap.String("executor", c.Executor.String()),
		zap.String("intent_id", c.IntentID.Hex()),
		zap.Uint64("volume", c.Volume),
	)
	return nil
}
