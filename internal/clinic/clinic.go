// Package clinic holds the clinical rules behind the reminder workers: which
// regimens, appointments and medication alarms are due, what the patient is
// told, and how the store is updated afterwards.
package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/notifier"
	"arvcare/internal/storage"
	"arvcare/pkg/logx"
)

var ErrNilDependency = errors.New("clinic: nil dependency")

// Notifier accepts reminders for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Options are shared by every service. Zero values mean UTC, time.Now and
// no logging.
type Options struct {
	Location *time.Location
	Now      func() time.Time
	Log      logx.Logger
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

func recipient(p domain.Patient) notifier.Recipient {
	return notifier.Recipient{
		PatientID: p.ID,
		Name:      p.FullName,
		ChatID:    p.TelegramChatID,
		Email:     p.Email,
		Phone:     p.Phone,
	}
}

// patientCache memoizes patient lookups for the duration of one call.
type patientCache struct {
	store storage.PatientStore
	seen  map[int64]domain.Patient
}

func newPatientCache(st storage.PatientStore) *patientCache {
	return &patientCache{store: st, seen: map[int64]domain.Patient{}}
}

func (c *patientCache) get(ctx context.Context, id int64) (domain.Patient, error) {
	if p, ok := c.seen[id]; ok {
		return p, nil
	}
	p, err := c.store.GetPatient(ctx, id)
	if err != nil {
		return domain.Patient{}, fmt.Errorf("patient %d: %w", id, err)
	}
	c.seen[id] = p
	return p, nil
}

func lookahead(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, days)
}
