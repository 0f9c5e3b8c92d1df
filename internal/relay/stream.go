package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/psam21/ncoin-messaging/internal/model"
	"github.com/psam21/ncoin-messaging/pkg/logger"
	"github.com/psam21/ncoin-messaging/pkg/metrics"
)

const (
	// StreamName is the name of the direct message stream.
	StreamName = "DIRECT_MESSAGES"

	// SubjectPrefix is the prefix for all direct message subjects.
	SubjectPrefix = "dm"
)

// StreamManager handles the direct message stream: durable storage,
// history fetch, and the live feed.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client, logger: client.logger}
}

// EnsureStream ensures the direct message stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Direct messages between identities",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// RecordStreamMetrics publishes current stream totals to the metrics
// registry.
func (m *StreamManager) RecordStreamMetrics(ctx context.Context) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stream info: %w", err)
	}

	metrics.RecordStreamInfo(StreamName, info.State.Msgs, info.State.Bytes)
	return nil
}

// MessageSubject returns the subject a message between the two identities
// is published on.
func MessageSubject(sender, recipient string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sender, recipient)
}

// ConversationFilters returns the filter subjects covering both directions
// of the conversation between self and peer.
func ConversationFilters(self, peer string) []string {
	return []string{
		MessageSubject(self, peer),
		MessageSubject(peer, self),
	}
}

// IdentityFilters returns the filter subjects covering all messages sent
// or received by self, across every conversation.
func IdentityFilters(self string) []string {
	return []string{
		fmt.Sprintf("%s.%s.>", SubjectPrefix, self),
		fmt.Sprintf("%s.*.%s", SubjectPrefix, self),
	}
}

// PublishMessage assigns the durable id, publishes the message, and
// returns the confirmed copy. The placeholder id never crosses the wire;
// the returned copy keeps it so the caller can promote its optimistic
// entry directly.
func (m *StreamManager) PublishMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	confirmed, err := msg.Confirm(uuid.Must(uuid.NewV7()).String())
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to confirm message: %w", err)
	}

	wire := confirmed
	wire.TempID = ""
	data, err := json.Marshal(wire)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := MessageSubject(confirmed.Sender, confirmed.Recipient)
	if _, err := m.client.JetStream().Publish(ctx, subject, data); err != nil {
		return model.Message{}, fmt.Errorf("failed to publish message: %w", err)
	}

	return confirmed, nil
}

// FetchMessages retrieves up to limit stored messages exchanged between
// self and peer, oldest first. Records that fail to decode are skipped.
func (m *StreamManager) FetchMessages(ctx context.Context, self, peer string, limit int) ([]model.Message, error) {
	js := m.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubjects: ConversationFilters(self, peer),
		AckPolicy:      jetstream.AckNonePolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []model.Message
	for raw := range batch.Messages() {
		msg, ok := m.decode(raw.Data(), self)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return messages, nil
}

// Subscription is a live feed of messages addressed to or sent by one
// identity.
type Subscription struct {
	subs []*nats.Subscription
}

// Unsubscribe tears the feed down.
func (s *Subscription) Unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}

// Subscribe delivers every message sent or received by self to handler as
// it is published, across all conversations. Handlers run on the
// connection's dispatch goroutine and should hand work off quickly.
func (m *StreamManager) Subscribe(self string, handler func(model.Message)) (*Subscription, error) {
	var subs []*nats.Subscription
	for _, subject := range IdentityFilters(self) {
		sub, err := m.client.Conn().Subscribe(subject, func(raw *nats.Msg) {
			msg, ok := m.decode(raw.Data, self)
			if !ok {
				return
			}
			handler(msg)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %q: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	return &Subscription{subs: subs}, nil
}

// decode unmarshals a wire record and derives per-receiver fields.
func (m *StreamManager) decode(data []byte, self string) (model.Message, bool) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("skipping undecodable relay record", zap.Error(err))
		return model.Message{}, false
	}
	if msg.Sender == "" || msg.Recipient == "" {
		m.logger.Warn("skipping relay record without participants",
			zap.String("id", msg.ID))
		return model.Message{}, false
	}
	msg.IsSent = msg.Sender == self
	return msg, true
}
