package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/meridianware/lib-outbox/rabbitmq"
)

var (
	ErrMissingEnvVar        = errors.New("required environment variable is not set")
	ErrInvalidEncryptionKey = errors.New("encryption key must be 64 hex characters (32 bytes)")
)

const (
	defaultRabbitProtocol = "amqp"
	defaultRabbitPort     = "5672"
	defaultRabbitVHost    = "/"
	defaultDrainInterval  = 10 * time.Second
	defaultBatchSize      = 50
	defaultMaxOpenConns   = 10
	defaultMaxIdleConns   = 5
)

// Config is the process configuration for services embedding the outbox
// pipeline. Build it with Load; the zero value is not usable.
type Config struct {
	// Postgres.
	DatabaseConnectionString string
	DatabaseName             string
	MaxOpenConnections       int
	MaxIdleConnections       int

	// RabbitMQ connection parts, assembled into BrokerURL.
	BrokerProtocol string
	BrokerHost     string
	BrokerPort     string
	BrokerUser     string
	BrokerPass     string
	BrokerVHost    string

	// RabbitMQ topology.
	Exchange   string
	Queue      string
	RoutingKey string

	// Payload encryption key, hex encoded.
	EncryptionKey string

	// Dispatcher tuning.
	DrainInterval time.Duration
	BatchSize     int
}

// Load reads configuration from the environment, seeding it from a local
// .env file when present. Required variables: DB_CONNECTION_STRING, DB_NAME,
// RABBITMQ_HOST, RABBITMQ_EXCHANGE, RABBITMQ_QUEUE and OUTBOX_ENCRYPTION_KEY.
func Load() (*Config, error) {
	LoadDotEnv()

	cfg := &Config{
		MaxOpenConnections: int(GetenvIntOrDefault("DB_MAX_OPEN_CONNS", defaultMaxOpenConns)),
		MaxIdleConnections: int(GetenvIntOrDefault("DB_MAX_IDLE_CONNS", defaultMaxIdleConns)),
		BrokerProtocol:     GetenvOrDefault("RABBITMQ_PROTOCOL", defaultRabbitProtocol),
		BrokerPort:         GetenvOrDefault("RABBITMQ_PORT", defaultRabbitPort),
		BrokerUser:         GetenvOrDefault("RABBITMQ_USER", "guest"),
		BrokerPass:         GetenvOrDefault("RABBITMQ_PASS", "guest"),
		BrokerVHost:        GetenvOrDefault("RABBITMQ_VHOST", defaultRabbitVHost),
		RoutingKey:         GetenvOrDefault("RABBITMQ_ROUTING_KEY", ""),
		DrainInterval:      GetenvDurationOrDefault("OUTBOX_DRAIN_INTERVAL", defaultDrainInterval),
		BatchSize:          int(GetenvIntOrDefault("OUTBOX_BATCH_SIZE", defaultBatchSize)),
	}

	var err error

	if cfg.DatabaseConnectionString, err = getenvRequired("DB_CONNECTION_STRING"); err != nil {
		return nil, err
	}

	if cfg.DatabaseName, err = getenvRequired("DB_NAME"); err != nil {
		return nil, err
	}

	if cfg.BrokerHost, err = getenvRequired("RABBITMQ_HOST"); err != nil {
		return nil, err
	}

	if cfg.Exchange, err = getenvRequired("RABBITMQ_EXCHANGE"); err != nil {
		return nil, err
	}

	if cfg.Queue, err = getenvRequired("RABBITMQ_QUEUE"); err != nil {
		return nil, err
	}

	if cfg.EncryptionKey, err = getenvRequired("OUTBOX_ENCRYPTION_KEY"); err != nil {
		return nil, err
	}

	if err := validateEncryptionKey(cfg.EncryptionKey); err != nil {
		return nil, err
	}

	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}

	return cfg, nil
}

// BrokerURL assembles the AMQP connection string from the broker parts.
func (cfg *Config) BrokerURL() string {
	return rabbitmq.BuildConnectionString(
		cfg.BrokerProtocol,
		cfg.BrokerUser,
		cfg.BrokerPass,
		cfg.BrokerHost,
		cfg.BrokerPort,
		cfg.BrokerVHost,
	)
}

// String renders the configuration for logging. Credentials and key
// material are redacted.
func (cfg *Config) String() string {
	return fmt.Sprintf(
		"db=%s broker=%s://%s@%s:%s%s exchange=%s queue=%s routingKey=%s drainInterval=%s batchSize=%d",
		cfg.DatabaseName,
		cfg.BrokerProtocol,
		"[REDACTED]",
		cfg.BrokerHost,
		cfg.BrokerPort,
		cfg.BrokerVHost,
		cfg.Exchange,
		cfg.Queue,
		cfg.RoutingKey,
		cfg.DrainInterval,
		cfg.BatchSize,
	)
}

func validateEncryptionKey(hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return ErrInvalidEncryptionKey
	}

	return nil
}
