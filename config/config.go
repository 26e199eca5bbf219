package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"ringbook/domain/orderbook"
)

// Load seeds the environment from files (".env" when none are given) and
// parses it into cfg. Missing env files are ignored; variables already set
// in the environment win over file values.
func Load[T any](cfg *T, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	return nil
}

// MustLoad is Load that panics on error.
func MustLoad[T any](cfg *T, files ...string) {
	if err := Load(cfg, files...); err != nil {
		panic(err)
	}
}

// Config is the engine configuration.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr     string `env:"METRICS_ADDR" envDefault:":9102"` // empty disables the endpoint
	ChannelCapacity uint64 `env:"CHANNEL_CAPACITY" envDefault:"4096"`

	Book     BookConfig
	Consumer ConsumerConfig
	Producer ProducerConfig `envPrefix:"PRODUCER_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
}

type BookConfig struct {
	MaxPrice uint32 `env:"MAX_PRICE" envDefault:"2000"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"65536"`
	Priority string `env:"MATCH_PRIORITY" envDefault:"fifo"`
}

type ConsumerConfig struct {
	ReportInterval uint64        `env:"REPORT_INTERVAL" envDefault:"200000"` // orders between reports
	IdleBackoff    time.Duration `env:"IDLE_BACKOFF" envDefault:"50us"`
}

// ProducerConfig drives the synthetic order flow.
type ProducerConfig struct {
	Count       int    `env:"COUNT" envDefault:"1"`
	Rate        int    `env:"RATE" envDefault:"50000"` // orders/s per producer, 0 = unpaced
	PriceBase   uint32 `env:"PRICE_BASE" envDefault:"900"`
	PriceSpread uint32 `env:"PRICE_SPREAD" envDefault:"200"`
	MaxQty      uint32 `env:"MAX_QTY" envDefault:"5"`
	MaxOrders   uint64 `env:"MAX_ORDERS" envDefault:"0"` // 0 = until shutdown
}

// KafkaConfig enables fill broadcasting when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string      `env:"BROKERS" envSeparator:","`
	Topic         string        `env:"TOPIC" envDefault:"fills"`
	Client        string        `env:"CLIENT" envDefault:"kafka-go"` // kafka-go | sarama
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"250ms"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"512"`
	RingCapacity  uint64        `env:"RING_CAPACITY" envDefault:"8192"`
}

const (
	ClientKafkaGo = "kafka-go"
	ClientSarama  = "sarama"
)

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// MatchPriority maps the configured priority name.
func (b BookConfig) MatchPriority() (orderbook.Priority, error) {
	switch strings.ToLower(b.Priority) {
	case "fifo":
		return orderbook.FIFO, nil
	case "lifo":
		return orderbook.LIFO, nil
	}
	return 0, errors.Errorf("unknown match priority %q", b.Priority)
}

func isPow2(v uint64) bool {
	return v >= 2 && v&(v-1) == 0
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if !isPow2(c.ChannelCapacity) {
		return errors.Errorf("CHANNEL_CAPACITY must be a power of two >= 2, got %d", c.ChannelCapacity)
	}
	if c.Book.MaxPrice == 0 || c.Book.MaxPrice > orderbook.MaxPriceLimit {
		return errors.Errorf("MAX_PRICE out of range: %d", c.Book.MaxPrice)
	}
	if c.Book.PoolSize <= 0 {
		return errors.Errorf("POOL_SIZE must be positive, got %d", c.Book.PoolSize)
	}
	if _, err := c.Book.MatchPriority(); err != nil {
		return err
	}
	if c.Producer.Count < 0 || c.Producer.Rate < 0 {
		return errors.New("PRODUCER_COUNT and PRODUCER_RATE must not be negative")
	}
	if c.Producer.PriceSpread == 0 || c.Producer.MaxQty == 0 {
		return errors.New("PRODUCER_PRICE_SPREAD and PRODUCER_MAX_QTY must be positive")
	}
	if uint64(c.Producer.PriceBase)+uint64(c.Producer.PriceSpread) > uint64(c.Book.MaxPrice) {
		return errors.Errorf("producer prices [%d, %d) exceed MAX_PRICE %d",
			c.Producer.PriceBase, c.Producer.PriceBase+c.Producer.PriceSpread, c.Book.MaxPrice)
	}
	if c.Kafka.Enabled() {
		if c.Kafka.Client != ClientKafkaGo && c.Kafka.Client != ClientSarama {
			return errors.Errorf("unknown KAFKA_CLIENT %q", c.Kafka.Client)
		}
		if !isPow2(c.Kafka.RingCapacity) {
			return errors.Errorf("KAFKA_RING_CAPACITY must be a power of two >= 2, got %d", c.Kafka.RingCapacity)
		}
		if c.Kafka.Topic == "" || c.Kafka.BatchSize <= 0 || c.Kafka.FlushInterval <= 0 {
			return errors.New("KAFKA_TOPIC, KAFKA_BATCH_SIZE and KAFKA_FLUSH_INTERVAL must be set")
		}
	}
	return nil
}
