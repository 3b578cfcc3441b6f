package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"arvcare/pkg/logx"
)

// Defaults applied when a key is omitted.
const (
	DefaultAlarmInterval        = 5 * time.Minute
	DefaultAlarmGrace           = 30 * time.Minute
	DefaultReminderInterval     = time.Minute
	DefaultLookaheadDays        = 7
	DefaultStorageDriver        = "sqlite"
	DefaultSQLitePath           = "./arvcare.db"
	DefaultBusyTimeout          = 5 * time.Second
	DefaultNotifierChannel      = "log"
	DefaultOpsAddr              = "127.0.0.1:9090"
	DefaultAMQPExchange         = "arvcare.reminders"
	DefaultAMQPRoutingKeyPrefix = "reminder"
)

type AlarmWorker struct {
	Enabled   bool
	Interval  time.Duration
	Immediate bool
	Grace     time.Duration
}

type ReminderWorker struct {
	Enabled                  bool
	Interval                 time.Duration
	Immediate                bool
	RegimenLookaheadDays     int
	AppointmentLookaheadDays int
	StaleGrace               time.Duration
}

type Storage struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}

type Notifier struct {
	Enabled            bool
	Channel            string
	Workers            int
	QueueSize          int
	RatePerSec         int
	RetryMax           int
	RetryBase          time.Duration
	RetryMaxDelay      time.Duration
	DedupWindow        time.Duration
	DedupMaxEntries    int
	PersistDedup       bool
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

func (c *Config) AlarmWorker() (AlarmWorker, error) {
	w := c.Workers.MedicationAlarms
	interval, err := ParseDurationOrDefault("workers.medication_alarms.interval", w.Interval, DefaultAlarmInterval)
	if err != nil {
		return AlarmWorker{}, err
	}
	grace, err := ParseDurationOrDefault("workers.medication_alarms.grace", w.Grace, DefaultAlarmGrace)
	if err != nil {
		return AlarmWorker{}, err
	}
	return AlarmWorker{
		Enabled:   boolOr(w.Enabled, true),
		Interval:  interval,
		Immediate: boolOr(w.RunImmediately, true),
		Grace:     grace,
	}, nil
}

func (c *Config) ReminderWorker() (ReminderWorker, error) {
	w := c.Workers.ClinicalReminders
	interval, err := ParseDurationOrDefault("workers.clinical_reminders.interval", w.Interval, DefaultReminderInterval)
	if err != nil {
		return ReminderWorker{}, err
	}
	stale, err := ParseDurationField("workers.clinical_reminders.stale_grace", w.StaleGrace)
	if err != nil {
		return ReminderWorker{}, err
	}
	if w.RegimenLookaheadDays < 0 || w.AppointmentLookaheadDays < 0 {
		return ReminderWorker{}, errors.New("workers.clinical_reminders: lookahead days must be >= 0")
	}
	return ReminderWorker{
		Enabled:                  boolOr(w.Enabled, true),
		Interval:                 interval,
		Immediate:                boolOr(w.RunImmediately, true),
		RegimenLookaheadDays:     intOr(w.RegimenLookaheadDays, DefaultLookaheadDays),
		AppointmentLookaheadDays: intOr(w.AppointmentLookaheadDays, DefaultLookaheadDays),
		StaleGrace:               stale,
	}, nil
}

func (c *Config) StorageSettings() (Storage, error) {
	s := Storage{
		Driver: strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:   strings.TrimSpace(c.Storage.Path),
		DSN:    strings.TrimSpace(c.Storage.DSN),
	}
	if s.Driver == "" {
		s.Driver = DefaultStorageDriver
	}
	busy, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout)
	if err != nil {
		return Storage{}, err
	}
	s.BusyTimeout = busy

	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			s.Path = DefaultSQLitePath
		}
	case "postgres":
		if s.DSN == "" {
			return Storage{}, errors.New("storage.dsn is required for driver postgres")
		}
	default:
		return Storage{}, fmt.Errorf("storage.driver: unsupported %q (want sqlite|postgres)", s.Driver)
	}
	return s, nil
}

func (c *Config) NotifierSettings() (Notifier, error) {
	n := c.Notifier
	out := Notifier{
		Enabled:         boolOr(n.Enabled, true),
		Channel:         strings.ToLower(strings.TrimSpace(n.Channel)),
		Workers:         intOr(n.Workers, 2),
		QueueSize:       intOr(n.QueueSize, 256),
		RatePerSec:      intOr(n.RatePerSec, 5),
		RetryMax:        intOr(n.RetryMax, 3),
		DedupMaxEntries: intOr(n.DedupMaxEntries, 5000),
		PersistDedup:    boolOr(n.PersistDedup, true),
		BreakerFailures: intOr(n.Breaker.Failures, 5),
	}
	if out.Channel == "" {
		out.Channel = DefaultNotifierChannel
	}

	var err error
	if out.RetryBase, err = ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return Notifier{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return Notifier{}, err
	}
	if out.DedupWindow, err = ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return Notifier{}, err
	}
	if out.BreakerOpenTimeout, err = ParseDurationOrDefault("notifier.breaker.open_timeout", n.Breaker.OpenTimeout, 30*time.Second); err != nil {
		return Notifier{}, err
	}

	switch out.Channel {
	case "log":
	case "telegram":
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return Notifier{}, errors.New("notifier.channel telegram requires telegram.token")
		}
	case "amqp":
		if strings.TrimSpace(c.AMQP.URL) == "" {
			return Notifier{}, errors.New("notifier.channel amqp requires amqp.url")
		}
	default:
		return Notifier{}, fmt.Errorf("notifier.channel: unsupported %q (want log|telegram|amqp)", out.Channel)
	}
	return out, nil
}

// Location loads clinic.timezone, defaulting to the host's local zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Clinic.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("clinic.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) OpsAddr() string {
	if a := strings.TrimSpace(c.Ops.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

func (c *Config) AMQPSettings() AMQPConfig {
	a := c.AMQP
	if strings.TrimSpace(a.Exchange) == "" {
		a.Exchange = DefaultAMQPExchange
	}
	if strings.TrimSpace(a.RoutingKeyPrefix) == "" {
		a.RoutingKeyPrefix = DefaultAMQPRoutingKeyPrefix
	}
	return a
}

func (c *Config) LogConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// Validate resolves every section and joins the errors.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.AlarmWorker(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReminderWorker(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.NotifierSettings(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
