package reminder

import (
	"context"
	"errors"

	"arvcare/internal/domain"
)

var (
	ErrNilCollaborator  = errors.New("reminder: nil collaborator")
	ErrInvalidLookahead = errors.New("reminder: lookahead days must be positive")
)

// AlarmProcessor evaluates due medication alarms and notifies patients.
type AlarmProcessor interface {
	ProcessMedicationAlarms(ctx context.Context) error
}

type RegimenReminder interface {
	SendRegimenEndDateReminders(ctx context.Context, lookaheadDays int) ([]domain.ReminderResult, error)
}

// AppointmentKeeper cancels stale appointments and reminds patients of
// upcoming ones.
type AppointmentKeeper interface {
	CancelPastDateAppointments(ctx context.Context) (int, error)
	SendNearDateAppointmentReminders(ctx context.Context, lookaheadDays int) ([]domain.ReminderResult, error)
}
