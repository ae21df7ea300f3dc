package model

import "time"

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Client is the projection of a client record the reminder subsystem needs:
// identity plus contact channels. Either channel may be empty.
type Client struct {
	ID    string
	Name  string
	Phone string
	Email string
}

type Service struct {
	ID   string
	Name string
}

// Appointment is the reminder-side read/update projection of an appointment.
// ReminderSent is monotonic false->true; ReminderSentAt is set exactly once
// when the flag flips.
type Appointment struct {
	ID             string
	OwnerID        string
	Date           time.Time
	Status         AppointmentStatus
	ReminderSent   bool
	ReminderSentAt *time.Time
	Client         Client
	Services       []Service
	CreatedAt      time.Time
}
