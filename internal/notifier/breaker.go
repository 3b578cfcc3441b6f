package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"arvcare/pkg/logx"
)

var ErrCircuitOpen = errors.New("notifier: channel circuit open")

type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures    uint32
	OpenTimeout time.Duration
}

type breakerChannel struct {
	inner Channel
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps ch in a circuit breaker. Permanent errors do not count
// as failures: they say nothing about the channel's health.
func WithBreaker(ch Channel, cfg BreakerConfig, log logx.Logger) Channel {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	failures := cfg.Failures
	return &breakerChannel{
		inner: ch,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ch.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("delivery circuit state changed",
					logx.String("channel", name),
					logx.String("from", from.String()),
					logx.String("to", to.String()),
				)
			},
		}),
	}
}

func (b *breakerChannel) Name() string { return b.inner.Name() }

func (b *breakerChannel) Deliver(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Deliver(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.inner.Name())
	}
	return err
}

// State returns the breaker state ("closed", "open", "half-open").
func (b *breakerChannel) State() string { return b.cb.State().String() }
