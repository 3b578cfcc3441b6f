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

type RegimenDeps interface {
	storage.PatientStore
	storage.RegimenStore
}

// RegimenService reminds patients that their current regimen is about to
// run out so they come back for a refill.
type RegimenService struct {
	store RegimenDeps
	notif Notifier
	opts  Options
}

func NewRegimenService(store RegimenDeps, n Notifier, opts Options) (*RegimenService, error) {
	if store == nil || n == nil {
		return nil, ErrNilDependency
	}
	opts = opts.withDefaults()
	opts.Log = opts.Log.With(logx.String("comp", "clinic.regimens"))
	return &RegimenService{store: store, notif: n, opts: opts}, nil
}

// SendRegimenEndDateReminders notifies patients of active regimens ending
// within lookaheadDays. A regimen is reminded once; failures for one regimen
// are reported in its result and do not fail the call.
func (s *RegimenService) SendRegimenEndDateReminders(ctx context.Context, lookaheadDays int) ([]domain.ReminderResult, error) {
	if lookaheadDays <= 0 {
		return nil, fmt.Errorf("clinic: lookahead days must be positive, got %d", lookaheadDays)
	}
	now := s.opts.Now()
	regs, err := s.store.ListRegimensEndingBetween(ctx, now, lookahead(now, lookaheadDays))
	if err != nil {
		return nil, fmt.Errorf("list regimens: %w", err)
	}

	patients := newPatientCache(s.store)
	results := make([]domain.ReminderResult, 0, len(regs))
	for _, r := range regs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := domain.ReminderResult{Kind: domain.KindRegimenEnd, SubjectID: r.ID, PatientID: r.PatientID, DueAt: r.EndDate}
		res.Queued, res.Err = s.remind(ctx, patients, r, now)
		if res.Err != nil {
			s.opts.Log.Warn("regimen reminder failed", logx.Int64("regimen_id", r.ID), logx.Err(res.Err))
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *RegimenService) remind(ctx context.Context, patients *patientCache, r domain.Regimen, now time.Time) (bool, error) {
	p, err := patients.get(ctx, r.PatientID)
	if err != nil {
		return false, err
	}
	end := r.EndDate.In(s.opts.Location)
	days := int(end.Sub(now).Hours() / 24)
	n := notifier.Notification{
		Key:       fmt.Sprintf("%s:%d", domain.KindRegimenEnd, r.ID),
		Kind:      string(domain.KindRegimenEnd),
		Recipient: recipient(p),
		Subject:   "Your ARV regimen is ending soon",
		Text: fmt.Sprintf("Hello %s, your regimen %s ends on %s (in %d day(s)). Please visit the clinic to renew your prescription.",
			p.FullName, r.Name, end.Format("Mon 02 Jan 2006"), days),
		Priority: 7,
		DueAt:    r.EndDate,
	}
	if err := s.notif.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	if err := s.store.MarkRegimenEndReminded(ctx, r.ID, now); err != nil {
		return true, fmt.Errorf("mark reminded: %w", err)
	}
	return true, nil
}
