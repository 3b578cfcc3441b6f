package notifier

import (
	"context"
	"errors"
	"time"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps dedup keys in the store so a restart does not resend.
	PersistDedup bool
}

// Recipient is who a reminder goes to. Channels pick the address they need.
type Recipient struct {
	PatientID int64  `json:"patient_id"`
	Name      string `json:"name"`
	ChatID    int64  `json:"chat_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Notification is one reminder to deliver.
//
// Key identifies the reminder for dedup (e.g. "appointment:42"); when empty a
// hash of recipient and text is used.
type Notification struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Recipient Recipient `json:"recipient"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	Priority  int       `json:"priority,omitempty"`
	DueAt     time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel delivers notifications to one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Stats is a point-in-time view for the ops endpoint.
type Stats struct {
	Enabled  bool   `json:"enabled"`
	Running  bool   `json:"running"`
	Channel  string `json:"channel"`
	Breaker  string `json:"breaker,omitempty"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Deduped  uint64 `json:"deduped"`
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (e.g. the recipient has no
// address for the channel).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
