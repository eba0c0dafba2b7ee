// Package broker implements the Broker Client (C1): a single persistent
// AMQP connection used both to consume device-data messages and to publish
// commands, reconnecting with exponential backoff and tracking publisher
// confirms (spec §4.1).
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPayloadBytes bounds both published commands (PublishCommand) and
// inbound device-data messages (spec §4.1 "payload_too_large", §6 "larger
// inbound messages are dead-lettered by C2").
const MaxPayloadBytes = 10 * 1024 // 10 KiB

// startupGracePeriod bounds how long Start waits for the first successful
// connection before treating the broker as unreachable (spec §7 kind 4:
// "cannot reach broker after startup grace period of 60s" is fatal).
const startupGracePeriod = 60 * time.Second

var (
	ErrNotConnected    = errors.New("broker: not connected")
	ErrConfirmTimeout  = errors.New("broker: publish confirm timeout")
	ErrPayloadTooLarge = errors.New("broker: payload exceeds 10 KiB")
)

// Delivery is a single inbound device-data message, with ack/nack left to
// the caller (the ingest worker) so that the broker client stays agnostic
// to C2's error classification (spec §4.2 "Failures").
type Delivery struct {
	DeviceID string
	Payload  []byte

	ack  func()
	nack func(requeue bool)
}

// Ack acknowledges the message, removing it from the broker's queue.
func (d Delivery) Ack() { d.ack() }

// Nack rejects the message. requeue=true causes broker redelivery
// (spec: storage_error/registry_error); requeue=false drops it (the caller
// is expected to have already routed it to the dead-letter queue).
func (d Delivery) Nack(requeue bool) { d.nack(requeue) }

// NewDelivery builds a Delivery from explicit ack/nack callbacks, for tests
// of C2 that need to construct deliveries without a live AMQP channel.
func NewDelivery(deviceID string, payload []byte, ack func(), nack func(requeue bool)) Delivery {
	return Delivery{DeviceID: deviceID, Payload: payload, ack: ack, nack: nack}
}

// Metrics are the observable counters spec §4.1 names.
type Metrics struct {
	Connects                func()
	Disconnects             func()
	MessagesConsumed        func()
	CommandsPublishedOK     func()
	CommandsPublishedFailed func()
}

func (m Metrics) inc(f func()) {
	if f != nil {
		f()
	}
}

// Config is the subset of configuration the broker client needs.
type Config struct {
	Address  string
	Port     int
	Username string
	Password string
	VHost    string
	Prefetch int

	// PublishConfirmTimeout bounds how long PublishCommand waits for the
	// broker's publisher confirm (spec: default 10s).
	PublishConfirmTimeout time.Duration
}

// Client is the broker client (C1).
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics Metrics

	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool

	pendingMu sync.Mutex
	pending   map[uint64]chan amqp.Confirmation
}

func New(cfg Config, log *slog.Logger, metrics Metrics) *Client {
	return &Client{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		pending: make(map[uint64]chan amqp.Confirmation),
	}
}

func (c *Client) dialURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.cfg.Username, c.cfg.Password, c.cfg.Address, c.cfg.Port, c.cfg.VHost)
}

// Start connects to the broker and begins consuming device-data messages,
// reconnecting with exponential backoff (2s doubling to a 60s ceiling,
// resetting only after a successful re-subscription) for as long as ctx is
// live. Start blocks until the first connection attempt either succeeds or
// the startup grace period (60s) elapses without one, in which case it
// returns a fatal error (spec §7 kind 4) for the caller to exit on.
// Reconnection after the first successful connect happens in the
// background and is never fatal.
func (c *Client) Start(ctx context.Context, handler func(Delivery)) error {
	connected := make(chan struct{})
	var once sync.Once
	onFirstConnect := func() { once.Do(func() { close(connected) }) }

	go c.connectLoop(ctx, handler, onFirstConnect)

	select {
	case <-connected:
		return nil
	case <-time.After(startupGracePeriod):
		return fmt.Errorf("broker: no connection established within startup grace period of %s", startupGracePeriod)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connectLoop(ctx context.Context, handler func(Delivery), onFirstConnect func()) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2

	for ctx.Err() == nil {
		onSubscribed := func() {
			b.Reset()
			onFirstConnect()
		}
		err := c.connectAndConsume(ctx, handler, onSubscribed)
		if ctx.Err() != nil {
			return
		}

		c.setConnected(false)
		c.metrics.inc(c.metrics.Disconnects)
		if err != nil {
			c.log.Warn("broker disconnected", "err", err)
		}

		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) connectAndConsume(ctx context.Context, handler func(Delivery), onSubscribed func()) error {
	conn, err := amqp.Dial(c.dialURL())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := ch.ExchangeDeclare(TopicExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}

	// clean_session=false equivalent on the ingest side: the durable ingest
	// queue survives broker restarts and client reconnects, so device-data
	// messages published while this client is disconnected are consumed
	// once it reconnects.
	q, err := ch.QueueDeclare(ingestQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, dataRoutingKey(), TopicExchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dead-letter queue declare: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	go c.dispatchConfirms(confirms)

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.connected = true
	c.mu.Unlock()

	c.metrics.inc(c.metrics.Connects)
	c.log.Info("broker connected", "address", c.cfg.Address, "port", c.cfg.Port)
	onSubscribed()

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok {
				return nil
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.metrics.inc(c.metrics.MessagesConsumed)
			deviceID, parseErr := deviceIDFromRoutingKey(d.RoutingKey)
			if parseErr != nil {
				c.log.Warn("malformed routing key, dropping", "routing_key", d.RoutingKey, "err", parseErr)
				_ = d.Ack(false)
				continue
			}
			delivery := d
			handler(Delivery{
				DeviceID: deviceID,
				Payload:  delivery.Body,
				ack:      func() { _ = delivery.Ack(false) },
				nack:     func(requeue bool) { _ = delivery.Nack(false, requeue) },
			})
		}
	}
}

func (c *Client) dispatchConfirms(confirms <-chan amqp.Confirmation) {
	for conf := range confirms {
		c.pendingMu.Lock()
		ch, ok := c.pending[conf.DeliveryTag]
		if ok {
			delete(c.pending, conf.DeliveryTag)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- conf
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// PublishCommand publishes payload to the device's command topic and waits
// for the broker's publisher confirm (spec §4.1 "Publish path").
func (c *Client) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	c.mu.RLock()
	ch := c.ch
	connected := c.connected
	c.mu.RUnlock()
	if !connected || ch == nil {
		return ErrNotConnected
	}

	seq := ch.GetNextPublishSeqNo()
	confirmCh := make(chan amqp.Confirmation, 1)
	c.pendingMu.Lock()
	c.pending[seq] = confirmCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}

	err := ch.PublishWithContext(ctx, TopicExchange, commandRoutingKey(deviceID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		cleanup()
		c.metrics.inc(c.metrics.CommandsPublishedFailed)
		return fmt.Errorf("publish: %w", err)
	}

	timeout := c.cfg.PublishConfirmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case conf := <-confirmCh:
		if !conf.Ack {
			c.metrics.inc(c.metrics.CommandsPublishedFailed)
			return fmt.Errorf("broker: publish nacked")
		}
		c.metrics.inc(c.metrics.CommandsPublishedOK)
		return nil
	case <-time.After(timeout):
		cleanup()
		c.metrics.inc(c.metrics.CommandsPublishedFailed)
		return ErrConfirmTimeout
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

// PublishDeadLetter routes an unprocessable raw message to the dead-letter
// queue for operator inspection (spec glossary "Dead-letter queue"), using
// the default exchange so the routing key is taken as the queue name
// directly.
func (c *Client) PublishDeadLetter(ctx context.Context, payload []byte, reason string) error {
	c.mu.RLock()
	ch := c.ch
	connected := c.connected
	c.mu.RUnlock()
	if !connected || ch == nil {
		return ErrNotConnected
	}
	return ch.PublishWithContext(ctx, "", deadLetterQueue, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        payload,
		Headers:     amqp.Table{"x-reason": reason},
	})
}

// Stop closes the current connection, if any.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
