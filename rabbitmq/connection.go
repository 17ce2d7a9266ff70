package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridianware/lib-outbox/backoff"
	"github.com/meridianware/lib-outbox/log"
)

var (
	ErrNilConnection      = errors.New("rabbitmq connection is nil")
	ErrConnectionString   = errors.New("rabbitmq connection string is required")
	ErrReconnectThrottled = errors.New("rabbitmq reconnect attempt throttled")
)

// reconnectBackoffBase and reconnectBackoffCap bound the delay enforced
// between reconnect attempts so a down broker is not hammered.
const (
	reconnectBackoffBase = time.Second
	reconnectBackoffCap  = 30 * time.Second
)

// Connection keeps a singleton AMQP connection and channel, guarded by a
// mutex, with rate-limited reconnects.
type Connection struct {
	ConnectionString string `json:"-"`
	Logger           log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	dialer func(string) (*amqp.Connection, error)

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

func (connection *Connection) applyDefaults() {
	if connection.Logger == nil {
		connection.Logger = log.NewNop()
	}

	if connection.dialer == nil {
		connection.dialer = amqp.Dial
	}
}

// Connect establishes the connection and opens the shared channel.
func (connection *Connection) Connect(ctx context.Context) error {
	if connection == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.connectLocked(ctx)
}

func (connection *Connection) connectLocked(ctx context.Context) error {
	connection.applyDefaults()

	if connection.ConnectionString == "" {
		return ErrConnectionString
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	connection.Logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := connection.dialer(connection.ConnectionString)
	if err != nil {
		return fmt.Errorf("rabbitmq connect: %s", sanitizeAMQPError(err, connection.ConnectionString))
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()

		return fmt.Errorf("rabbitmq channel: %s", sanitizeAMQPError(err, connection.ConnectionString))
	}

	connection.closeLocked()

	connection.conn = conn
	connection.channel = channel
	connection.connected = true
	connection.reconnectAttempts = 0

	return nil
}

// Channel returns the shared channel, reconnecting when the connection or
// channel has been closed. Reconnects are rate limited with exponential
// backoff; a call inside the throttle window fails with
// ErrReconnectThrottled instead of dialing.
func (connection *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if connection == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	connection.applyDefaults()

	if connection.healthyLocked() {
		return connection.channel, nil
	}

	if err := connection.throttleReconnectLocked(); err != nil {
		return nil, err
	}

	if err := connection.connectLocked(ctx); err != nil {
		connection.reconnectAttempts++

		return nil, err
	}

	return connection.channel, nil
}

func (connection *Connection) healthyLocked() bool {
	return connection.connected &&
		connection.conn != nil && !connection.conn.IsClosed() &&
		connection.channel != nil && !connection.channel.IsClosed()
}

func (connection *Connection) throttleReconnectLocked() error {
	if connection.reconnectAttempts == 0 {
		connection.lastReconnectAttempt = time.Now()

		return nil
	}

	delay := backoff.Exponential(reconnectBackoffBase, connection.reconnectAttempts-1)
	if delay > reconnectBackoffCap {
		delay = reconnectBackoffCap
	}

	if elapsed := time.Since(connection.lastReconnectAttempt); elapsed < delay {
		return fmt.Errorf("%w: next attempt in %s", ErrReconnectThrottled, delay-elapsed)
	}

	connection.lastReconnectAttempt = time.Now()

	return nil
}

// Close tears down the channel and connection.
func (connection *Connection) Close() error {
	if connection == nil {
		return nil
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	connection.closeLocked()

	return nil
}

func (connection *Connection) closeLocked() {
	if connection.channel != nil && !connection.channel.IsClosed() {
		_ = connection.channel.Close()
	}

	if connection.conn != nil && !connection.conn.IsClosed() {
		_ = connection.conn.Close()
	}

	connection.channel = nil
	connection.conn = nil
	connection.connected = false
}

// BuildConnectionString assembles an AMQP URI with the credentials
// URL-escaped.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	uri := fmt.Sprintf("%s://%s:%s@%s:%s",
		protocol,
		url.QueryEscape(user),
		url.QueryEscape(pass),
		host,
		port,
	)

	vhost = strings.TrimPrefix(vhost, "/")
	if vhost != "" {
		uri += "/" + url.PathEscape(vhost)
	}

	return uri
}

// sanitizeAMQPError strips the connection string (which embeds credentials)
// from error text before it reaches logs.
func sanitizeAMQPError(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if connectionString != "" {
		msg = strings.ReplaceAll(msg, connectionString, "[REDACTED]")
	}

	return msg
}
