package pubsub

import (
	"fmt"
	"time"
)

// Driver names.
const (
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
	DriverMemory = "memory"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// Config holds the configuration for the pub/sub system.
type Config struct {
	Driver    string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis     RedisConfig `mapstructure:"redis"`
	Kafka     KafkaConfig `mapstructure:"kafka"`
	BufferLen int         `mapstructure:"buffer_len"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: DriverRedis,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		BufferLen: 256,
	}
}

// NewPubSub creates a new PubSub instance based on the configuration.
func NewPubSub(cfg Config) (PubSub, error) {
	if cfg.BufferLen <= 0 {
		cfg.BufferLen = 256
	}
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaPubSub(cfg.Kafka, cfg.BufferLen)
	case DriverMemory:
		return NewMemoryBroker().Client(cfg.BufferLen), nil
	case DriverRedis, "":
		return NewRedisPubSub(cfg.Redis, cfg.BufferLen)
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", cfg.Driver)
	}
}
