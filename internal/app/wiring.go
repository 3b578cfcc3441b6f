package app

import (
	"fmt"

	"arvcare/internal/config"
	"arvcare/internal/notifier"
	"arvcare/internal/storage"
	"arvcare/internal/transport/rabbitmq"
	"arvcare/internal/transport/telegram"
	"arvcare/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s, err := cfg.StorageSettings()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, DSN: s.DSN, BusyTimeout: s.BusyTimeout}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, config.Notifier, error) {
	n, err := cfg.NotifierSettings()
	if err != nil {
		return notifier.Config{}, config.Notifier{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase,
		RetryMaxDelay:   n.RetryMaxDelay,
		DedupWindow:     n.DedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, n, nil
}

// buildChannel picks the delivery channel named by notifier.channel and
// wraps it in a circuit breaker. closer is non-nil when the channel holds a
// connection that must be released on shutdown.
func buildChannel(cfg *config.Config, n config.Notifier, tg *telegram.Channel, log logx.Logger) (ch notifier.Channel, closer func() error, err error) {
	switch n.Channel {
	case "log":
		ch = notifier.NewLogChannel(log.With(logx.String("comp", "notifier.log")))
	case "telegram":
		if tg == nil {
			return nil, nil, fmt.Errorf("notifier.channel telegram requires telegram.token")
		}
		ch = tg
	case "amqp":
		a := cfg.AMQPSettings()
		rc, err := rabbitmq.New(rabbitmq.Config{
			URL:              a.URL,
			Exchange:         a.Exchange,
			RoutingKeyPrefix: a.RoutingKeyPrefix,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		ch, closer = rc, rc.Close
	default:
		return nil, nil, fmt.Errorf("unsupported notifier channel %q", n.Channel)
	}
	return notifier.WithBreaker(ch, notifier.BreakerConfig{
		Failures:    uint32(max(1, n.BreakerFailures)),
		OpenTimeout: n.BreakerOpenTimeout,
	}, log), closer, nil
}

// logConfig maps the logging section. The chat sink stays off until a
// target chat is known.
func logConfig(cfg *config.Config, chatReady bool) logx.Config {
	lc := cfg.LogConfig()
	if !chatReady {
		lc.Chat.Enabled = false
	}
	return lc
}
