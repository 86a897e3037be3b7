package pubsub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// Kafka topics backing the realtime channels.
const (
	TopicDirectory = "live-streams"
	TopicPresence  = "live-stream-presence"
)

// channelToTopicAndKey converts a channel name to a Kafka topic and message key.
//
//	"live:streams"       → topic: "live-streams",          key: ""
//	"live:stream:ROOM1"  → topic: "live-stream-presence",  key: "ROOM1"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	if channel == ChannelDirectory {
		return TopicDirectory, "", nil
	}
	if id, ok := StreamIDFromChannel(channel); ok {
		return TopicPresence, id, nil
	}
	return "", "", fmt.Errorf("invalid channel format: %s", channel)
}

// patternToTopic converts a subscribe pattern to a Kafka topic.
//
//	"live:stream:*" → "live-stream-presence"
func patternToTopic(pattern string) (string, error) {
	if pattern == PatternAllStreams {
		return TopicPresence, nil
	}
	return "", fmt.Errorf("unsupported pattern: %s", pattern)
}

// topicAndKeyToChannel is the inverse of channelToTopicAndKey.
func topicAndKeyToChannel(topic, key string) string {
	if topic == TopicPresence {
		return StreamChannel(key)
	}
	return ChannelDirectory
}

// kafkaSubscription tracks a single consumer subscription.
type kafkaSubscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
}

// KafkaPubSub implements PubSub interface using Apache Kafka.
type KafkaPubSub struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription // key (channel or pattern) → subscription
	config        KafkaConfig
	bufferLen     int
	mu            sync.Mutex
	doneCh        chan struct{}
}

// NewKafkaPubSub creates a new Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig, bufferLen int) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kps := &KafkaPubSub{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		config:        cfg,
		bufferLen:     bufferLen,
		doneCh:        make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	if err := kps.ensureTopics(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Msg("failed to ensure kafka topics (may already exist)")
	}

	return kps, nil
}

// ensureTopics creates the fixed topics if they don't exist.
func (k *KafkaPubSub) ensureTopics() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{Topic: TopicDirectory, NumPartitions: 1, ReplicationFactor: 1},
		{Topic: TopicPresence, NumPartitions: partitions, ReplicationFactor: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	l := pkglog.L()
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			l.Warn().Str("topic", r.Topic).Err(r.Error).Msg("failed to create kafka topic")
		}
	}
	return nil
}

// deliveryReportHandler processes delivery reports from the producer.
func (k *KafkaPubSub) deliveryReportHandler() {
	l := pkglog.L()
	for e := range k.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			l.Warn().Err(ev.TopicPartition.Error).Msg("kafka pubsub delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish publishes a payload to the channel's topic, keyed by stream id.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          payload,
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe subscribes to a specific channel, filtering messages by key.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Message, error) {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, err
	}
	return k.subscribeToTopic(ctx, channel, topic, key, "")
}

// SubscribePattern consumes every message of the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Message, error) {
	topic, err := patternToTopic(pattern)
	if err != nil {
		return nil, err
	}
	return k.subscribeToTopic(ctx, pattern, topic, "", pattern)
}

func (k *KafkaPubSub) subscribeToTopic(ctx context.Context, subKey, topic, filterKey, pattern string) (<-chan *Message, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.subscriptions[subKey]; ok {
		existing.cancel()
		delete(k.subscriptions, subKey)
	}

	groupID := k.config.GroupID
	if groupID == "" {
		groupID = "realtime"
	}
	// Every instance must see every message, so each subscription gets its
	// own consumer group instead of sharing partitions with its peers.
	consumerGroupID := fmt.Sprintf("%s-%s", groupID, sanitizeGroupID(subKey))

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                consumerGroupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgCh := make(chan *Message, k.bufferLen)

	k.subscriptions[subKey] = &kafkaSubscription{consumer: c, cancel: cancel}

	go k.consumeMessages(subCtx, c, msgCh, filterKey, pattern)

	return msgCh, nil
}

// consumeMessages polls Kafka and forwards messages to msgCh. The consumer is
// owned by this goroutine and closed when it exits.
func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, msgCh chan<- *Message, filterKey, pattern string) {
	defer close(msgCh)
	defer c.Close()
	l := pkglog.L()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := c.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			key := string(e.Key)
			if filterKey != "" && key != filterKey {
				continue
			}
			topic := ""
			if e.TopicPartition.Topic != nil {
				topic = *e.TopicPartition.Topic
			}
			m := &Message{Channel: topicAndKeyToChannel(topic, key), Pattern: pattern, Payload: e.Value}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			default:
				l.Warn().Str(pkglog.FieldChannel, m.Channel).Msg("kafka pubsub buffer full, message dropped")
			}

		case kafka.Error:
			l.Warn().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka pubsub error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Unsubscribe unsubscribes from a channel or pattern.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if sub, ok := k.subscriptions[channel]; ok {
		sub.cancel()
		delete(k.subscriptions, channel)
	}
	return nil
}

// Close closes all subscriptions and the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	for key, sub := range k.subscriptions {
		sub.cancel()
		delete(k.subscriptions, key)
	}
	k.mu.Unlock()

	var errs []error
	if remaining := k.producer.Flush(5000); remaining > 0 {
		errs = append(errs, fmt.Errorf("%d kafka messages not delivered", remaining))
	}
	k.producer.Close()
	<-k.doneCh

	return errors.Join(errs...)
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeGroupID replaces characters not suitable for Kafka group IDs.
func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(strings.TrimSpace(s), "-")
}
