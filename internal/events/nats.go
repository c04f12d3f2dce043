package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "nonceledger.events"

// NATSPublisher is a Sink that publishes every record as JSON to
// "<prefix>.<kind>". Each message carries a Nats-Msg-Id header built from a
// per-process instance id and the record sequence, so JetStream can drop
// duplicates if the dispatcher redelivers.
type NATSPublisher struct {
	conn     *nats.Conn
	prefix   string
	instance string
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, instance: uuid.NewString()}
}

// Name implements Sink.
func (p *NATSPublisher) Name() string { return "nats" }

// Deliver implements Sink.
func (p *NATSPublisher) Deliver(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	msg := nats.NewMsg(subjectFor(p.prefix, rec.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, messageID(p.instance, rec.Seq))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", rec.Kind, err)
	}
	return nil
}

func subjectFor(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

func messageID(instance string, seq uint64) string {
	return fmt.Sprintf("%s-%d", instance, seq)
}
