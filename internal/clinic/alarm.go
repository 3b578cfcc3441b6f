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

type AlarmDeps interface {
	storage.PatientStore
	storage.AlarmStore
}

const dayLayout = "2006-01-02"

// MedicationAlarmService fires daily dose alarms.
type MedicationAlarmService struct {
	store AlarmDeps
	notif Notifier
	grace time.Duration
	opts  Options
}

// NewMedicationAlarmService builds the service. An alarm fires when its time
// of day has passed by at most grace; grace <= 0 allows the rest of the day.
func NewMedicationAlarmService(store AlarmDeps, n Notifier, grace time.Duration, opts Options) (*MedicationAlarmService, error) {
	if store == nil || n == nil {
		return nil, ErrNilDependency
	}
	opts = opts.withDefaults()
	opts.Log = opts.Log.With(logx.String("comp", "clinic.alarms"))
	return &MedicationAlarmService{store: store, notif: n, grace: grace, opts: opts}, nil
}

// ProcessMedicationAlarms notifies every due alarm and records the day it
// fired. Errors for individual alarms are joined; the rest still fire.
func (s *MedicationAlarmService) ProcessMedicationAlarms(ctx context.Context) error {
	alarms, err := s.store.ListActiveMedicationAlarms(ctx)
	if err != nil {
		return fmt.Errorf("list alarms: %w", err)
	}

	now := s.opts.Now().In(s.opts.Location)
	today := now.Format(dayLayout)
	patients := newPatientCache(s.store)

	var errs []error
	fired := 0
	for _, a := range alarms {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		due, err := s.dueAt(a, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("alarm %d: %w", a.ID, err))
			continue
		}
		if !s.shouldFire(a, due, now, today) {
			continue
		}
		if err := s.fire(ctx, patients, a, due, today); err != nil {
			errs = append(errs, fmt.Errorf("alarm %d: %w", a.ID, err))
			continue
		}
		fired++
	}
	if fired > 0 {
		s.opts.Log.Info("medication alarms fired", logx.Int("count", fired), logx.String("day", today))
	}
	return errors.Join(errs...)
}

// dueAt is today's occurrence of the alarm in clinic time.
func (s *MedicationAlarmService) dueAt(a domain.MedicationAlarm, now time.Time) (time.Time, error) {
	hm, err := time.Parse("15:04", a.AlarmTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid alarm time %q", a.AlarmTime)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, hm.Hour(), hm.Minute(), 0, 0, now.Location()), nil
}

func (s *MedicationAlarmService) shouldFire(a domain.MedicationAlarm, due, now time.Time, today string) bool {
	if a.LastFiredOn == today || now.Before(due) {
		return false
	}
	return s.grace <= 0 || now.Sub(due) <= s.grace
}

func (s *MedicationAlarmService) fire(ctx context.Context, patients *patientCache, a domain.MedicationAlarm, due time.Time, today string) error {
	p, err := patients.get(ctx, a.PatientID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Hello %s, it is %s: time to take your %s", p.FullName, a.AlarmTime, a.Medication)
	if a.Dosage != "" {
		text += " (" + a.Dosage + ")"
	}
	text += "."

	n := notifier.Notification{
		Key:       fmt.Sprintf("%s:%d:%s", domain.KindMedicationAlarm, a.ID, today),
		Kind:      string(domain.KindMedicationAlarm),
		Recipient: recipient(p),
		Subject:   "Medication reminder",
		Text:      text,
		Priority:  9,
		DueAt:     due,
	}
	if err := s.notif.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := s.store.MarkAlarmFired(ctx, a.ID, today); err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}
	return nil
}
