// Package rabbitmq publishes reminders to a RabbitMQ topic exchange, where an
// SMS or e-mail gateway picks them up. Routing keys are
// "<prefix>.<kind>", e.g. "reminder.appointment".
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"arvcare/internal/notifier"
	"arvcare/pkg/logx"
)

const ExchangeType = "topic"

type Config struct {
	URL              string
	Exchange         string
	RoutingKeyPrefix string
}

// session is one connection plus channel.
type session interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(ctx context.Context, cfg Config) (session, error)

// Channel implements notifier.Channel. The broker connection is opened on
// first use and reopened after it drops.
type Channel struct {
	cfg  Config
	log  logx.Logger
	dial dialFunc

	mu   sync.Mutex
	sess session
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	return newChannel(cfg, log, dialBroker)
}

func newChannel(cfg Config, log logx.Logger, dial dialFunc) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp exchange is empty")
	}
	if cfg.RoutingKeyPrefix == "" {
		cfg.RoutingKeyPrefix = "reminder"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, log: log.With(logx.String("comp", "amqp")), dial: dial}, nil
}

func (c *Channel) Name() string { return "amqp" }

// RoutingKey returns the key a notification of this kind is published with.
func (c *Channel) RoutingKey(kind string) string {
	if kind == "" {
		kind = "unknown"
	}
	return c.cfg.RoutingKeyPrefix + "." + kind
}

func (c *Channel) Deliver(ctx context.Context, n notifier.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return notifier.Permanent(fmt.Errorf("marshal notification: %w", err))
	}
	sess, err := c.session(ctx)
	if err != nil {
		return err
	}

	key := c.RoutingKey(n.Kind)
	err = sess.PublishWithContext(ctx, c.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    n.ID,
		Type:         n.Kind,
		AppId:        "arvcare",
		Priority:     uint8(min(max(n.Priority, 0), 9)),
		Body:         body,
	})
	if err != nil {
		c.reset(sess)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (c *Channel) session(ctx context.Context) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && !c.sess.IsClosed() {
		return c.sess, nil
	}
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
	sess, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	c.log.Info("connected to broker", logx.String("exchange", c.cfg.Exchange))
	c.sess = sess
	return sess, nil
}

func (c *Channel) reset(sess session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == sess {
		_ = sess.Close()
		c.sess = nil
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

type brokerSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialBroker(ctx context.Context, cfg Config) (session, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("arvcare-notifier")
	dcfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	}
	if dl, ok := ctx.Deadline(); ok {
		dcfg.Dial = amqp.DefaultDial(time.Until(dl))
	}
	conn, err := amqp.DialConfig(cfg.URL, dcfg)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	return &brokerSession{conn: conn, ch: ch}, nil
}

func (s *brokerSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *brokerSession) IsClosed() bool { return s.ch.IsClosed() || s.conn.IsClosed() }

func (s *brokerSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
