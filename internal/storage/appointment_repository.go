package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juank159/agendity-backend-sub000/internal/model"
	"github.com/juank159/agendity-backend-sub000/libs/db"
)

type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// FindPendingInWindow returns pending, not-yet-reminded appointments whose
// date falls within [start, end], with client and services populated.
func (r *AppointmentRepository) FindPendingInWindow(ctx context.Context, start, end time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.owner_id, a.date, a.status, a.reminder_sent, a.reminder_sent_at, a.created_at,
			COALESCE(c.id::text, ''), COALESCE(c.name, ''), COALESCE(c.phone, ''), COALESCE(c.email, '')
		FROM appointments a
		LEFT JOIN clients c ON c.id = a.client_id
		WHERE a.status = 'pending'
			AND a.reminder_sent = false
			AND a.date >= $1
			AND a.date <= $2
		ORDER BY a.date ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appts, err := scanAppointments(rows)
	if err != nil {
		return nil, err
	}
	if err := r.attachServices(ctx, appts); err != nil {
		return nil, err
	}
	return appts, nil
}

// FindByID loads one appointment scoped to its owner, with client and
// services populated. Returns pgx.ErrNoRows when absent or owned elsewhere.
func (r *AppointmentRepository) FindByID(ctx context.Context, ownerID, id string) (model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.owner_id, a.date, a.status, a.reminder_sent, a.reminder_sent_at, a.created_at,
			COALESCE(c.id::text, ''), COALESCE(c.name, ''), COALESCE(c.phone, ''), COALESCE(c.email, '')
		FROM appointments a
		LEFT JOIN clients c ON c.id = a.client_id
		WHERE a.id = $1 AND a.owner_id = $2
	`, id, ownerID)
	if err != nil {
		return model.Appointment{}, err
	}
	defer rows.Close()

	appts, err := scanAppointments(rows)
	if err != nil {
		return model.Appointment{}, err
	}
	if len(appts) == 0 {
		return model.Appointment{}, pgx.ErrNoRows
	}
	if err := r.attachServices(ctx, appts); err != nil {
		return model.Appointment{}, err
	}
	return appts[0], nil
}

// ClaimReminder flips reminder_sent false->true inside the caller's
// transaction. The affected-row count is the single arbiter of whether the
// caller may invoke the notification sender; rolling back the transaction
// releases the claim.
func (r *AppointmentRepository) ClaimReminder(ctx context.Context, tx pgx.Tx, id string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET reminder_sent = true,
			reminder_sent_at = $2
		WHERE id = $1 AND reminder_sent = false
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CountRemindersSent counts reminders marked sent for one owner within
// [since, until). Used by the billing quota gate.
func (r *AppointmentRepository) CountRemindersSent(ctx context.Context, ownerID string, since, until time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE owner_id = $1
			AND reminder_sent = true
			AND reminder_sent_at >= $2
			AND reminder_sent_at < $3
	`, ownerID, since, until).Scan(&n)
	return n, err
}

func (r *AppointmentRepository) attachServices(ctx context.Context, appts []model.Appointment) error {
	if len(appts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(appts))
	index := make(map[string]int, len(appts))
	for i, a := range appts {
		ids = append(ids, a.ID)
		index[a.ID] = i
	}

	rows, err := r.pool.Query(ctx, `
		SELECT asv.appointment_id, s.id, s.name
		FROM appointment_services asv
		JOIN services s ON s.id = asv.service_id
		WHERE asv.appointment_id = ANY($1)
		ORDER BY asv.appointment_id, asv.position ASC
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var apptID string
		var svc model.Service
		if err := rows.Scan(&apptID, &svc.ID, &svc.Name); err != nil {
			return err
		}
		if i, ok := index[apptID]; ok {
			appts[i].Services = append(appts[i].Services, svc)
		}
	}
	return rows.Err()
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		var a model.Appointment
		var sentAt *time.Time
		if err := rows.Scan(
			&a.ID,
			&a.OwnerID,
			&a.Date,
			&a.Status,
			&a.ReminderSent,
			&sentAt,
			&a.CreatedAt,
			&a.Client.ID,
			&a.Client.Name,
			&a.Client.Phone,
			&a.Client.Email,
		); err != nil {
			return nil, err
		}
		a.ReminderSentAt = sentAt
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
