package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and returns a Store.
func NewRedisStore(cfg RedisConfig) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) Store {
	return &redisStore{client: client}
}

// Redis key patterns:
// realtime:stream:{stream_id}:viewers   SET<viewer_id>  - current audience
// realtime:live_streams                 SET<stream_id>  - streams currently live
// realtime:stream:{stream_id}:live      HASH            - live entry
//   - user_id, category, title, started_at (unix ms)
// realtime:instance:{server_id}         STRING<count>   - connections per instance, with TTL

const (
	liveStreamsKey    = "realtime:live_streams"
	instanceKeyPrefix = "realtime:instance:"
)

func viewersKey(streamID string) string {
	return fmt.Sprintf("realtime:stream:%s:viewers", streamID)
}

func liveKey(streamID string) string {
	return fmt.Sprintf("realtime:stream:%s:live", streamID)
}

func instanceKey(serverID string) string {
	return instanceKeyPrefix + serverID
}

func (s *redisStore) AddViewer(ctx context.Context, streamID, viewerID string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, viewersKey(streamID), viewerID)
	count := pipe.SCard(ctx, viewersKey(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (s *redisStore) RemoveViewer(ctx context.Context, streamID, viewerID string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, viewersKey(streamID), viewerID)
	count := pipe.SCard(ctx, viewersKey(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

func (s *redisStore) ViewerCount(ctx context.Context, streamID string) (int64, error) {
	return s.client.SCard(ctx, viewersKey(streamID)).Result()
}

func (s *redisStore) SetLive(ctx context.Context, stream domain.LiveStream) error {
	if stream.StartedAt.IsZero() {
		stream.StartedAt = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, liveStreamsKey, stream.StreamID)
	pipe.HSet(ctx, liveKey(stream.StreamID), map[string]interface{}{
		"user_id":    stream.UserID,
		"category":   stream.Category,
		"title":      stream.Title,
		"started_at": strconv.FormatInt(stream.StartedAt.UnixMilli(), 10),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) SetOffline(ctx context.Context, streamID string) (*domain.LiveStream, error) {
	prev, err := s.GetLive(ctx, streamID)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, liveStreamsKey, streamID)
	pipe.Del(ctx, liveKey(streamID), viewersKey(streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *redisStore) GetLive(ctx context.Context, streamID string) (*domain.LiveStream, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, liveKey(streamID))
	count := pipe.SCard(ctx, viewersKey(streamID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result := fields.Val()
	if len(result) == 0 {
		return nil, nil
	}

	stream := &domain.LiveStream{
		StreamID:    streamID,
		UserID:      result["user_id"],
		Category:    result["category"],
		Title:       result["title"],
		ViewerCount: count.Val(),
	}
	if ms, err := strconv.ParseInt(result["started_at"], 10, 64); err == nil {
		stream.StartedAt = time.UnixMilli(ms).UTC()
	}
	return stream, nil
}

func (s *redisStore) LiveStreams(ctx context.Context) ([]domain.LiveStream, error) {
	ids, err := s.client.SMembers(ctx, liveStreamsKey).Result()
	if err != nil {
		return nil, err
	}

	streams := make([]domain.LiveStream, 0, len(ids))
	for _, id := range ids {
		stream, err := s.GetLive(ctx, id)
		if err != nil {
			return nil, err
		}
		if stream == nil {
			// Set member without an entry; a SetOffline raced us.
			continue
		}
		streams = append(streams, *stream)
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StartedAt.After(streams[j].StartedAt)
	})
	return streams, nil
}

func (s *redisStore) ReportInstance(ctx context.Context, serverID string, connections int, ttl time.Duration) error {
	return s.client.Set(ctx, instanceKey(serverID), connections, ttl).Err()
}

func (s *redisStore) ClusterConnections(ctx context.Context) (int64, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		if n, err := strconv.ParseInt(str, 10, 64); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
