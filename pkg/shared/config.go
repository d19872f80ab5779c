package shared

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// KafkaConfig holds broker details for the mirror bus.
type KafkaConfig struct {
	Brokers      string `envconfig:"KAFKA_BROKER" default:"localhost:9092"`
	MirrorTopic  string `envconfig:"MIRROR_TOPIC" default:"ticks.mirror"`
	ProducerAcks string `envconfig:"KAFKA_ACKS" default:"1"`
	LingerMS     int    `envconfig:"KAFKA_LINGER_MS" default:"5"`
	BatchBytes   int    `envconfig:"KAFKA_BATCH_BYTES" default:"1048576"` // 1MB
}

func (k KafkaConfig) BrokerList() []string {
	parts := strings.Split(k.Brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"localhost:9092"}
	}
	return out
}

// PostgresConfig holds DB connection details for candle persistence.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"marketdata"`
	User     string `envconfig:"POSTGRES_USER" default:"streamer"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"streamer"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"8"`
}

// RedisConfig holds snapshot cache connection details.
type RedisConfig struct {
	Addr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"2s"`
	OpTimeout   time.Duration `envconfig:"REDIS_OP_TIMEOUT" default:"500ms"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Port int `envconfig:"METRICS_PORT" default:"9000"`
}

// FeedConfig holds upstream feed connection details.
type FeedConfig struct {
	URL            string        `envconfig:"FEED_URL" default:"ws://localhost:21000"`
	ApprovalKey    string        `envconfig:"FEED_APPROVAL_KEY"`
	CustType       string        `envconfig:"FEED_CUST_TYPE" default:"P"`
	TrID           string        `envconfig:"FEED_TR_ID" default:"H0STCNT0"`
	BookTrID       string        `envconfig:"FEED_BOOK_TR_ID" default:"H0STASP0"`
	ReconnectDelay time.Duration `envconfig:"FEED_RECONNECT_DELAY" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"FEED_WRITE_TIMEOUT" default:"3s"`
}

// GatewayConfig controls the client websocket listener.
type GatewayConfig struct {
	Port      int `envconfig:"GATEWAY_PORT" default:"8080"`
	SendQueue int `envconfig:"GATEWAY_SEND_QUEUE" default:"256"`
}

// SessionConfig holds the trading session boundaries.
type SessionConfig struct {
	Timezone string `envconfig:"SESSION_TZ" default:"Asia/Seoul"`
	PreOpen  string `envconfig:"SESSION_PRE_OPEN" default:"08:00"`
	Open     string `envconfig:"SESSION_OPEN" default:"09:00"`
	Close    string `envconfig:"SESSION_CLOSE" default:"15:30"`
}

// Load fills the given struct from environment.
func Load[T any](prefix string) (T, error) {
	var cfg T
	err := envconfig.Process(prefix, &cfg)
	return cfg, err
}
