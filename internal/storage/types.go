package storage

import (
	"context"
	"errors"
	"time"

	"arvcare/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage. Driver is "sqlite" or "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite database file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

// DeliveryRecord is one notifier delivery outcome.
type DeliveryRecord struct {
	At        time.Time
	Key       string
	Kind      string
	Channel   string
	PatientID int64
	Attempts  int
	OK        bool
	Error     string
}

type PatientStore interface {
	UpsertPatient(ctx context.Context, p *domain.Patient) error
	GetPatient(ctx context.Context, id int64) (domain.Patient, error)
}

type RegimenStore interface {
	UpsertRegimen(ctx context.Context, r *domain.Regimen) error
	// ListRegimensEndingBetween returns active regimens ending in [from, to]
	// that have not been reminded yet.
	ListRegimensEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Regimen, error)
	MarkRegimenEndReminded(ctx context.Context, id int64, at time.Time) error
}

type AppointmentStore interface {
	UpsertAppointment(ctx context.Context, a *domain.Appointment) error
	GetAppointment(ctx context.Context, id int64) (domain.Appointment, error)
	// CancelAppointmentsBefore cancels pending/confirmed appointments
	// scheduled before the cutoff and returns how many changed.
	CancelAppointmentsBefore(ctx context.Context, cutoff time.Time) (int, error)
	// ListAppointmentsBetween returns pending/confirmed, not yet reminded
	// appointments scheduled in [from, to].
	ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]domain.Appointment, error)
	MarkAppointmentReminded(ctx context.Context, id int64, at time.Time) error
}

type AlarmStore interface {
	UpsertMedicationAlarm(ctx context.Context, a *domain.MedicationAlarm) error
	ListActiveMedicationAlarms(ctx context.Context) ([]domain.MedicationAlarm, error)
	MarkAlarmFired(ctx context.Context, id int64, day string) error
}

// DedupStore keeps notifier dedup keys across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type DeliveryLog interface {
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error
}

// Store is the full persistence API.
type Store interface {
	PatientStore
	RegimenStore
	AppointmentStore
	AlarmStore
	DedupStore
	DeliveryLog

	Driver() string
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
