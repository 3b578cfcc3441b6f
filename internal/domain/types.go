package domain

import (
	"strings"
	"time"
)

type Patient struct {
	ID             int64
	FullName       string
	TelegramChatID int64
	Email          string
	Phone          string
	CreatedAt      time.Time
}

// Regimen is an ARV treatment course. EndReminderSentAt is set once the
// end-date reminder went out.
type Regimen struct {
	ID                int64
	PatientID         int64
	Name              string
	StartDate         time.Time
	EndDate           time.Time
	Active            bool
	EndReminderSentAt *time.Time
}

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Finalized reports whether the appointment reached a terminal status.
func (s AppointmentStatus) Finalized() bool {
	return s == AppointmentCompleted || s == AppointmentCancelled
}

func ParseAppointmentStatus(s string) (AppointmentStatus, bool) {
	switch st := AppointmentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case AppointmentPending, AppointmentConfirmed, AppointmentCompleted, AppointmentCancelled:
		return st, true
	}
	return "", false
}

type Appointment struct {
	ID             int64
	PatientID      int64
	DoctorName     string
	ScheduledAt    time.Time
	Status         AppointmentStatus
	Notes          string
	ReminderSentAt *time.Time
}

// MedicationAlarm fires once a day at AlarmTime (HH:MM, clinic local time).
// LastFiredOn holds the clinic-local date (YYYY-MM-DD) of the last fire.
type MedicationAlarm struct {
	ID          int64
	PatientID   int64
	RegimenID   int64
	Medication  string
	Dosage      string
	AlarmTime   string
	Active      bool
	LastFiredOn string
}

type ReminderKind string

const (
	KindRegimenEnd      ReminderKind = "regimen_end"
	KindAppointment     ReminderKind = "appointment"
	KindMedicationAlarm ReminderKind = "medication_alarm"
)

// ReminderResult is the outcome of one reminder attempt. Queued means the
// notification was accepted for delivery, not that it reached the patient.
type ReminderResult struct {
	Kind      ReminderKind
	SubjectID int64
	PatientID int64
	DueAt     time.Time
	Queued    bool
	Err       error
}

// CountQueued returns how many results were accepted for delivery.
func CountQueued(results []ReminderResult) (queued, failed int) {
	for _, r := range results {
		if r.Queued {
			queued++
		} else if r.Err != nil {
			failed++
		}
	}
	return queued, failed
}
