package app

import (
	"context"
	"fmt"
	"time"

	"arvcare/internal/domain"
	"arvcare/internal/storage"
	"arvcare/pkg/logx"
)

// SeedSummary lists the rows created by SeedDemo.
type SeedSummary struct {
	PatientID      int64
	RegimenID      int64
	AppointmentIDs []int64
	AlarmID        int64
}

// SeedDemo inserts one demo patient whose data triggers every reminder kind
// on the next ticks: a regimen ending in three days, an appointment
// tomorrow, a missed appointment, and a medication alarm due now.
func (a *App) SeedDemo(ctx context.Context, chatID int64) (SeedSummary, error) {
	sum, err := seedDemo(ctx, a.store, time.Now().In(a.loc), chatID)
	if err != nil {
		return sum, err
	}
	a.log.Info("demo data seeded",
		logx.Int64("patient_id", sum.PatientID),
		logx.Int64("regimen_id", sum.RegimenID),
		logx.Int64("alarm_id", sum.AlarmID),
	)
	return sum, nil
}

func seedDemo(ctx context.Context, st storage.Store, now time.Time, chatID int64) (SeedSummary, error) {
	var sum SeedSummary

	p := domain.Patient{FullName: "Demo Patient", TelegramChatID: chatID, Email: "demo@example.org"}
	if err := st.UpsertPatient(ctx, &p); err != nil {
		return sum, fmt.Errorf("seed patient: %w", err)
	}
	sum.PatientID = p.ID

	r := domain.Regimen{
		PatientID: p.ID,
		Name:      "TDF/3TC/DTG",
		StartDate: now.AddDate(0, -6, 0),
		EndDate:   now.AddDate(0, 0, 3),
		Active:    true,
	}
	if err := st.UpsertRegimen(ctx, &r); err != nil {
		return sum, fmt.Errorf("seed regimen: %w", err)
	}
	sum.RegimenID = r.ID

	for _, appt := range []domain.Appointment{
		{PatientID: p.ID, DoctorName: "Dr. Demo", ScheduledAt: now.Add(24 * time.Hour), Status: domain.AppointmentConfirmed, Notes: "viral load review"},
		{PatientID: p.ID, DoctorName: "Dr. Demo", ScheduledAt: now.Add(-48 * time.Hour), Status: domain.AppointmentPending, Notes: "missed visit"},
	} {
		if err := st.UpsertAppointment(ctx, &appt); err != nil {
			return sum, fmt.Errorf("seed appointment: %w", err)
		}
		sum.AppointmentIDs = append(sum.AppointmentIDs, appt.ID)
	}

	alarm := domain.MedicationAlarm{
		PatientID:  p.ID,
		RegimenID:  r.ID,
		Medication: "TDF/3TC/DTG",
		Dosage:     "1 tablet",
		AlarmTime:  now.Add(-time.Minute).Format("15:04"),
		Active:     true,
	}
	if err := st.UpsertMedicationAlarm(ctx, &alarm); err != nil {
		return sum, fmt.Errorf("seed alarm: %w", err)
	}
	sum.AlarmID = alarm.ID
	return sum, nil
}
