package model

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindMedication  Kind = "medication"
	KindAppointment Kind = "appointment"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

var ErrInvalidReminder = errors.New("invalid reminder")

// Reminder is one recurring obligation. Records are owned by the storage
// layer; the scheduling engine only reads snapshots.
type Reminder struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`

	// Medication
	Dosage string `json:"dosage,omitempty"`

	// Appointment
	DoctorName           string    `json:"doctor_name,omitempty"`
	Location             string    `json:"location,omitempty"`
	AppointmentDate      time.Time `json:"appointment_date,omitzero"`
	ReminderAdvanceHours int       `json:"reminder_advance_hours,omitempty"`

	Times     []TimeOfDay `json:"times"`
	StartDate Date        `json:"start_date"`
	EndDate   *Date       `json:"end_date,omitempty"`
	Frequency Frequency   `json:"frequency"`
	Taken     bool        `json:"taken"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the record invariants before it is persisted.
func (r *Reminder) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidReminder)
	}
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidReminder, r.Frequency)
	}
	if r.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidReminder)
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidReminder, r.EndDate, r.StartDate)
	}

	switch r.Kind {
	case KindMedication:
		if len(r.Times) == 0 {
			return fmt.Errorf("%w: at least one time of day is required", ErrInvalidReminder)
		}
	case KindAppointment:
		if r.AppointmentDate.IsZero() {
			return fmt.Errorf("%w: appointment date is required", ErrInvalidReminder)
		}
		if r.ReminderAdvanceHours < 0 {
			return fmt.Errorf("%w: reminder advance hours must not be negative", ErrInvalidReminder)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReminder, r.Kind)
	}
	return nil
}

type AppSchema struct {
	Reminders []*Reminder `json:"reminders"`
}
