package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// ConfluentConsumer implements BroadcastEventConsumer using confluent-kafka-go.
// All instances share one consumer group, so each broadcast event is turned
// into a realtime event exactly once and fanned out through the bridge.
type ConfluentConsumer struct {
	consumer *kafka.Consumer
	topic    string
	handler  BroadcastEventHandler
	doneCh   chan struct{}
	started  bool
}

// NewConfluentConsumer creates a new Kafka consumer for broadcast events.
func NewConfluentConsumer(brokers, topic, groupID string, handler BroadcastEventHandler) (*ConfluentConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &ConfluentConsumer{
		consumer: c,
		topic:    topic,
		handler:  handler,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start subscribes to the topic and consumes in the background until ctx is
// done.
func (cc *ConfluentConsumer) Start(ctx context.Context) error {
	if err := cc.consumer.Subscribe(cc.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", cc.topic, err)
	}

	l := log.L()
	l.Info().Str("topic", cc.topic).Msg("kafka consumer started")

	cc.started = true
	go cc.consumeLoop(ctx)
	return nil
}

func (cc *ConfluentConsumer) consumeLoop(ctx context.Context) {
	defer close(cc.doneCh)
	l := log.L()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("kafka consumer shutting down")
			return
		default:
			msg, err := cc.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				l.Warn().Err(err).Msg("kafka consumer error")
				continue
			}

			cc.processMessage(ctx, msg.Value)
		}
	}
}

func (cc *ConfluentConsumer) processMessage(ctx context.Context, value []byte) {
	Dispatch(ctx, value, cc.handler)
}

// Dispatch decodes a broadcast event and hands it to handler. Malformed
// payloads are logged and skipped.
func Dispatch(ctx context.Context, value []byte, handler BroadcastEventHandler) {
	l := log.L()

	var event BroadcastEvent
	if err := json.Unmarshal(value, &event); err != nil {
		l.Warn().Err(err).Msg("failed to unmarshal broadcast event")
		return
	}
	if event.RoomID == "" {
		l.Warn().Str("type", event.Type).Msg("broadcast event without room id")
		return
	}

	l.Info().
		Str("type", event.Type).
		Str(log.FieldStreamID, event.RoomID).
		Str(log.FieldUserID, event.BroadcasterID).
		Str("reason", event.Reason).
		Msg("received broadcast event")

	if err := handler.HandleBroadcastEvent(ctx, &event); err != nil {
		l.Error().Err(err).Str(log.FieldStreamID, event.RoomID).Msg("failed to handle broadcast event")
	}
}

// Close waits for the consume loop to exit, then closes the consumer. The
// context given to Start must be done first.
func (cc *ConfluentConsumer) Close() error {
	if cc.started {
		<-cc.doneCh
	}
	if err := cc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
