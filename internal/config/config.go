package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/wes-io-live/realtime-service/pkg/config"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

type Config struct {
	Server   ServerConfig
	Realtime RealtimeConfig
	PubSub   pubsub.Config `mapstructure:"pubsub"`
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host       string
	Port       int
	InstanceID string `mapstructure:"instance_id"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	OutboxSize        int           `mapstructure:"outbox_size"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
}

// RedisConfig is the state store connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// KafkaConfig is the broadcast-event consumer.
type KafkaConfig struct {
	Enabled     bool
	Brokers     string
	Topic       string
	GroupID     string        `mapstructure:"group_id"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and environment bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.instance_id", "")
	v.SetDefault("realtime.heartbeat_interval", "2m")
	v.SetDefault("realtime.stats_interval", "30s")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.outbox_size", 1024)
	v.SetDefault("realtime.publish_timeout", "3s")
	v.SetDefault("realtime.write_wait", "10s")
	v.SetDefault("realtime.pong_wait", "5m")
	v.SetDefault("realtime.max_message_size", 512)
	v.SetDefault("pubsub.driver", pubsub.DriverRedis)
	v.SetDefault("pubsub.buffer_len", 256)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "realtime-bridge")
	v.SetDefault("pubsub.kafka.partitions", 3)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "broadcast-events")
	v.SetDefault("kafka.group_id", "realtime-service")
	v.SetDefault("kafka.grace_period", "60s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "wes-io-live")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.instance_id", "INSTANCE_ID")
	v.BindEnv("realtime.heartbeat_interval", "REALTIME_HEARTBEAT_INTERVAL")
	v.BindEnv("realtime.stats_interval", "REALTIME_STATS_INTERVAL")
	v.BindEnv("realtime.pong_wait", "REALTIME_PONG_WAIT")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "PUBSUB_REDIS_ADDRESS", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "PUBSUB_REDIS_PASSWORD", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "PUBSUB_KAFKA_BROKERS", "KAFKA_BROKERS")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_BROADCAST_TOPIC")
	v.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("kafka.grace_period", "KAFKA_GRACE_PERIOD")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.pretty", "LOG_PRETTY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Realtime.HeartbeatInterval = parseDuration(v, "realtime.heartbeat_interval", 2*time.Minute)
	cfg.Realtime.StatsInterval = parseDuration(v, "realtime.stats_interval", 30*time.Second)
	cfg.Realtime.PublishTimeout = parseDuration(v, "realtime.publish_timeout", 3*time.Second)
	cfg.Realtime.WriteWait = parseDuration(v, "realtime.write_wait", 10*time.Second)
	cfg.Realtime.PongWait = parseDuration(v, "realtime.pong_wait", 5*time.Minute)
	cfg.Kafka.GracePeriod = parseDuration(v, "kafka.grace_period", 60*time.Second)

	// Websocket read deadlines are extended by the heartbeat's ping; a
	// heartbeat at or beyond pong_wait would time out every connection.
	if cfg.Realtime.PongWait <= 0 {
		cfg.Realtime.PongWait = 5 * time.Minute
	}
	if hb := cfg.Realtime.HeartbeatInterval; hb <= 0 || hb >= cfg.Realtime.PongWait {
		cfg.Realtime.HeartbeatInterval = (cfg.Realtime.PongWait * 9) / 10
	}

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
