package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"arvcare/internal/domain"
	"arvcare/pkg/logx"
)

var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	closed     atomic.Bool
	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log.With(logx.String("comp", "storage")), pruneEvery: 500}
}

func (s *sqlStore) Driver() string { return s.d.name }

func (s *sqlStore) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range statements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	s.log.Debug("schema migrated", logx.String("driver", s.d.name))
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// insertReturningID runs an INSERT ... RETURNING id.
func (s *sqlStore) insertReturningID(ctx context.Context, q string, args ...any) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var id int64
	if err := s.queryRow(ctx, q+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- patients ----

func (s *sqlStore) UpsertPatient(ctx context.Context, p *domain.Patient) error {
	if p == nil {
		return errors.New("storage: nil patient")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ID == 0 {
		id, err := s.insertReturningID(ctx,
			`INSERT INTO patients(full_name, telegram_chat_id, email, phone, created_at) VALUES(?,?,?,?,?)`,
			p.FullName, p.TelegramChatID, p.Email, p.Phone, p.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("storage: insert patient: %w", err)
		}
		p.ID = id
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO patients(id, full_name, telegram_chat_id, email, phone, created_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET full_name=excluded.full_name, telegram_chat_id=excluded.telegram_chat_id,
		 email=excluded.email, phone=excluded.phone`,
		p.ID, p.FullName, p.TelegramChatID, p.Email, p.Phone, p.CreatedAt.UnixMilli())
	return err
}

func (s *sqlStore) GetPatient(ctx context.Context, id int64) (domain.Patient, error) {
	if s.closed.Load() {
		return domain.Patient{}, ErrClosed
	}
	var p domain.Patient
	var created int64
	err := s.queryRow(ctx,
		`SELECT id, full_name, telegram_chat_id, email, phone, created_at FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.FullName, &p.TelegramChatID, &p.Email, &p.Phone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Patient{}, ErrNotFound
	}
	if err != nil {
		return domain.Patient{}, err
	}
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}

// ---- regimens ----

func (s *sqlStore) UpsertRegimen(ctx context.Context, r *domain.Regimen) error {
	if r == nil {
		return errors.New("storage: nil regimen")
	}
	args := []any{r.PatientID, r.Name, r.StartDate.UnixMilli(), r.EndDate.UnixMilli(), b2i(r.Active), nullMillis(r.EndReminderSentAt)}
	if r.ID == 0 {
		id, err := s.insertReturningID(ctx,
			`INSERT INTO regimens(patient_id, name, start_date, end_date, active, end_reminder_sent_at) VALUES(?,?,?,?,?,?)`,
			args...)
		if err != nil {
			return fmt.Errorf("storage: insert regimen: %w", err)
		}
		r.ID = id
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO regimens(id, patient_id, name, start_date, end_date, active, end_reminder_sent_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET patient_id=excluded.patient_id, name=excluded.name, start_date=excluded.start_date,
		 end_date=excluded.end_date, active=excluded.active, end_reminder_sent_at=excluded.end_reminder_sent_at`,
		append([]any{r.ID}, args...)...)
	return err
}

func (s *sqlStore) ListRegimensEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Regimen, error) {
	rows, err := s.query(ctx,
		`SELECT id, patient_id, name, start_date, end_date, active, end_reminder_sent_at FROM regimens
		 WHERE active = 1 AND end_reminder_sent_at IS NULL AND end_date >= ? AND end_date <= ?
		 ORDER BY end_date, id`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Regimen
	for rows.Next() {
		var r domain.Regimen
		var start, end int64
		var active int
		var sent sql.NullInt64
		if err := rows.Scan(&r.ID, &r.PatientID, &r.Name, &start, &end, &active, &sent); err != nil {
			return nil, err
		}
		r.StartDate, r.EndDate, r.Active = time.UnixMilli(start), time.UnixMilli(end), active != 0
		r.EndReminderSentAt = timePtr(sent)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkRegimenEndReminded(ctx context.Context, id int64, at time.Time) error {
	return mustAffect(s.exec(ctx, `UPDATE regimens SET end_reminder_sent_at = ? WHERE id = ?`, at.UnixMilli(), id))
}

// ---- appointments ----

func (s *sqlStore) UpsertAppointment(ctx context.Context, a *domain.Appointment) error {
	if a == nil {
		return errors.New("storage: nil appointment")
	}
	if a.Status == "" {
		a.Status = domain.AppointmentPending
	}
	args := []any{a.PatientID, a.DoctorName, a.ScheduledAt.UnixMilli(), string(a.Status), a.Notes, nullMillis(a.ReminderSentAt)}
	if a.ID == 0 {
		id, err := s.insertReturningID(ctx,
			`INSERT INTO appointments(patient_id, doctor_name, scheduled_at, status, notes, reminder_sent_at) VALUES(?,?,?,?,?,?)`,
			args...)
		if err != nil {
			return fmt.Errorf("storage: insert appointment: %w", err)
		}
		a.ID = id
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO appointments(id, patient_id, doctor_name, scheduled_at, status, notes, reminder_sent_at) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET patient_id=excluded.patient_id, doctor_name=excluded.doctor_name,
		 scheduled_at=excluded.scheduled_at, status=excluded.status, notes=excluded.notes,
		 reminder_sent_at=excluded.reminder_sent_at`,
		append([]any{a.ID}, args...)...)
	return err
}

const appointmentCols = `id, patient_id, doctor_name, scheduled_at, status, notes, reminder_sent_at`

func scanAppointment(sc interface{ Scan(...any) error }) (domain.Appointment, error) {
	var a domain.Appointment
	var sched int64
	var status string
	var sent sql.NullInt64
	if err := sc.Scan(&a.ID, &a.PatientID, &a.DoctorName, &sched, &status, &a.Notes, &sent); err != nil {
		return domain.Appointment{}, err
	}
	a.ScheduledAt = time.UnixMilli(sched)
	a.Status = domain.AppointmentStatus(status)
	a.ReminderSentAt = timePtr(sent)
	return a, nil
}

func (s *sqlStore) GetAppointment(ctx context.Context, id int64) (domain.Appointment, error) {
	if s.closed.Load() {
		return domain.Appointment{}, ErrClosed
	}
	a, err := scanAppointment(s.queryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) CancelAppointmentsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE appointments SET status = ? WHERE status IN (?, ?) AND scheduled_at < ?`,
		string(domain.AppointmentCancelled), string(domain.AppointmentPending), string(domain.AppointmentConfirmed), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	rows, err := s.query(ctx,
		`SELECT `+appointmentCols+` FROM appointments
		 WHERE status IN (?, ?) AND reminder_sent_at IS NULL AND scheduled_at >= ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		string(domain.AppointmentPending), string(domain.AppointmentConfirmed), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkAppointmentReminded(ctx context.Context, id int64, at time.Time) error {
	return mustAffect(s.exec(ctx, `UPDATE appointments SET reminder_sent_at = ? WHERE id = ?`, at.UnixMilli(), id))
}

// ---- medication alarms ----

func (s *sqlStore) UpsertMedicationAlarm(ctx context.Context, a *domain.MedicationAlarm) error {
	if a == nil {
		return errors.New("storage: nil alarm")
	}
	args := []any{a.PatientID, a.RegimenID, a.Medication, a.Dosage, strings.TrimSpace(a.AlarmTime), b2i(a.Active), a.LastFiredOn}
	if a.ID == 0 {
		id, err := s.insertReturningID(ctx,
			`INSERT INTO medication_alarms(patient_id, regimen_id, medication, dosage, alarm_time, active, last_fired_on) VALUES(?,?,?,?,?,?,?)`,
			args...)
		if err != nil {
			return fmt.Errorf("storage: insert alarm: %w", err)
		}
		a.ID = id
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO medication_alarms(id, patient_id, regimen_id, medication, dosage, alarm_time, active, last_fired_on) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET patient_id=excluded.patient_id, regimen_id=excluded.regimen_id,
		 medication=excluded.medication, dosage=excluded.dosage, alarm_time=excluded.alarm_time,
		 active=excluded.active, last_fired_on=excluded.last_fired_on`,
		append([]any{a.ID}, args...)...)
	return err
}

func (s *sqlStore) ListActiveMedicationAlarms(ctx context.Context) ([]domain.MedicationAlarm, error) {
	rows, err := s.query(ctx,
		`SELECT id, patient_id, regimen_id, medication, dosage, alarm_time, active, last_fired_on
		 FROM medication_alarms WHERE active = 1 ORDER BY alarm_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MedicationAlarm
	for rows.Next() {
		var a domain.MedicationAlarm
		var active int
		if err := rows.Scan(&a.ID, &a.PatientID, &a.RegimenID, &a.Medication, &a.Dosage, &a.AlarmTime, &active, &a.LastFiredOn); err != nil {
			return nil, err
		}
		a.Active = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkAlarmFired(ctx context.Context, id int64, day string) error {
	return mustAffect(s.exec(ctx, `UPDATE medication_alarms SET last_fired_on = ? WHERE id = ?`, day, id))
}

// ---- notifier state ----

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, _ = s.exec(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, ErrClosed
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO deliveries(at, key, kind, channel, patient_id, attempts, ok, err) VALUES(?,?,?,?,?,?,?,?)`,
		rec.At.UnixMilli(), rec.Key, rec.Kind, rec.Channel, rec.PatientID, rec.Attempts, b2i(rec.OK), rec.Error)
	return err
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
