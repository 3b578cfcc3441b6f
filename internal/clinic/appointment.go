package clinic

import (
	"context"
	"fmt"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/notifier"
	"arvcare/internal/storage"
	"arvcare/pkg/logx"
)

type AppointmentDeps interface {
	storage.PatientStore
	storage.AppointmentStore
}

type AppointmentService struct {
	store      AppointmentDeps
	notif      Notifier
	staleGrace time.Duration
	opts       Options
}

// NewAppointmentService builds the service. staleGrace is how long a missed
// appointment stays open before it is cancelled.
func NewAppointmentService(store AppointmentDeps, n Notifier, staleGrace time.Duration, opts Options) (*AppointmentService, error) {
	if store == nil || n == nil {
		return nil, ErrNilDependency
	}
	if staleGrace < 0 {
		staleGrace = 0
	}
	opts = opts.withDefaults()
	opts.Log = opts.Log.With(logx.String("comp", "clinic.appointments"))
	return &AppointmentService{store: store, notif: n, staleGrace: staleGrace, opts: opts}, nil
}

// CancelPastDateAppointments cancels pending or confirmed appointments whose
// date has passed and returns how many were cancelled.
func (s *AppointmentService) CancelPastDateAppointments(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.staleGrace)
	n, err := s.store.CancelAppointmentsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cancel appointments: %w", err)
	}
	if n > 0 {
		s.opts.Log.Info("stale appointments cancelled", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

// SendNearDateAppointmentReminders notifies patients of open appointments in
// the next lookaheadDays. Each appointment is reminded once.
func (s *AppointmentService) SendNearDateAppointmentReminders(ctx context.Context, lookaheadDays int) ([]domain.ReminderResult, error) {
	if lookaheadDays <= 0 {
		return nil, fmt.Errorf("clinic: lookahead days must be positive, got %d", lookaheadDays)
	}
	now := s.opts.Now()
	appts, err := s.store.ListAppointmentsBetween(ctx, now, lookahead(now, lookaheadDays))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	patients := newPatientCache(s.store)
	results := make([]domain.ReminderResult, 0, len(appts))
	for _, a := range appts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := domain.ReminderResult{Kind: domain.KindAppointment, SubjectID: a.ID, PatientID: a.PatientID, DueAt: a.ScheduledAt}
		res.Queued, res.Err = s.remind(ctx, patients, a, now)
		if res.Err != nil {
			s.opts.Log.Warn("appointment reminder failed", logx.Int64("appointment_id", a.ID), logx.Err(res.Err))
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *AppointmentService) remind(ctx context.Context, patients *patientCache, a domain.Appointment, now time.Time) (bool, error) {
	p, err := patients.get(ctx, a.PatientID)
	if err != nil {
		return false, err
	}
	at := a.ScheduledAt.In(s.opts.Location)
	text := fmt.Sprintf("Hello %s, you have a clinic appointment on %s at %s", p.FullName, at.Format("Mon 02 Jan 2006"), at.Format("15:04"))
	if a.DoctorName != "" {
		text += " with " + a.DoctorName
	}
	text += ". Reply to this message if you need to reschedule."

	n := notifier.Notification{
		Key:       fmt.Sprintf("%s:%d", domain.KindAppointment, a.ID),
		Kind:      string(domain.KindAppointment),
		Recipient: recipient(p),
		Subject:   "Upcoming clinic appointment",
		Text:      text,
		Priority:  5,
		DueAt:     a.ScheduledAt,
	}
	if err := s.notif.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	if err := s.store.MarkAppointmentReminded(ctx, a.ID, now); err != nil {
		return true, fmt.Errorf("mark reminded: %w", err)
	}
	return true, nil
}
