package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m"). Booleans that
// default to true are pointers so an omitted key can be told apart from an
// explicit false.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Clinic   ClinicConfig   `json:"clinic"`
	Workers  WorkersConfig  `json:"workers"`
	Notifier NotifierConfig `json:"notifier"`
	AMQP     AMQPConfig     `json:"amqp"`
	Ops      OpsConfig      `json:"ops"`
	Systemd  SystemdConfig  `json:"systemd"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into the ops chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	OpsChatID int64  `json:"ops_chat_id"`
}

// StorageConfig selects the clinic database.
//
//	"storage": { "driver": "sqlite", "path": "./arvcare.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://arvcare@db/arvcare" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ClinicConfig struct {
	// Timezone is an IANA name; alarm times and "today" are evaluated in it.
	Timezone string `json:"timezone"`
}

type WorkersConfig struct {
	MedicationAlarms  AlarmWorkerConfig    `json:"medication_alarms"`
	ClinicalReminders ReminderWorkerConfig `json:"clinical_reminders"`
}

type AlarmWorkerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Interval       string `json:"interval,omitempty"`
	RunImmediately *bool  `json:"run_immediately,omitempty"`
	// Grace is how long after its HH:MM time an alarm may still fire.
	Grace string `json:"grace,omitempty"`
}

type ReminderWorkerConfig struct {
	Enabled                  *bool  `json:"enabled,omitempty"`
	Interval                 string `json:"interval,omitempty"`
	RunImmediately           *bool  `json:"run_immediately,omitempty"`
	RegimenLookaheadDays     int    `json:"regimen_lookahead_days,omitempty"`
	AppointmentLookaheadDays int    `json:"appointment_lookahead_days,omitempty"`
	// StaleGrace delays cancellation of a missed appointment.
	StaleGrace string `json:"stale_grace,omitempty"`
}

// NotifierConfig controls the async reminder delivery pipeline.
type NotifierConfig struct {
	Enabled         *bool         `json:"enabled,omitempty"`
	Channel         string        `json:"channel,omitempty"` // log | telegram | amqp
	Workers         int           `json:"workers,omitempty"`
	QueueSize       int           `json:"queue_size,omitempty"`
	RatePerSec      int           `json:"rate_per_sec,omitempty"`
	RetryMax        int           `json:"retry_max,omitempty"`
	RetryBase       string        `json:"retry_base,omitempty"`
	RetryMaxDelay   string        `json:"retry_max_delay,omitempty"`
	DedupWindow     string        `json:"dedup_window,omitempty"`
	DedupMaxEntries int           `json:"dedup_max_entries,omitempty"`
	PersistDedup    *bool         `json:"persist_dedup,omitempty"`
	Breaker         BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Failures    int    `json:"failures,omitempty"`
	OpenTimeout string `json:"open_timeout,omitempty"`
}

type AMQPConfig struct {
	URL              string `json:"url,omitempty"`
	Exchange         string `json:"exchange,omitempty"`
	RoutingKeyPrefix string `json:"routing_key_prefix,omitempty"`
}

// OpsConfig controls the operator HTTP server. Prefer a loopback address.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	// Token is required as a bearer token when set; a non-loopback Addr
	// needs a Token or AllowInsecure.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
