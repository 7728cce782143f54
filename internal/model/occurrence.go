package model

import (
	"fmt"
	"time"
)

// OccurrenceKey uniquely identifies one deliverable event of a reminder.
type OccurrenceKey string

type Notice string

const (
	NoticeDose        Notice = "dose"
	NoticeAdvance     Notice = "advance"
	NoticeAppointment Notice = "now"
)

// MedicationKey is (reminderId, timeOfDay, calendarDate).
func MedicationKey(reminderID string, t TimeOfDay, d Date) OccurrenceKey {
	return OccurrenceKey(fmt.Sprintf("%s|%s|%s", reminderID, t, d))
}

// AppointmentKey is (reminderId, appointmentDateTime) plus which notice it is.
func AppointmentKey(reminderID string, appointment time.Time, n Notice) OccurrenceKey {
	return OccurrenceKey(fmt.Sprintf("%s|%s|%s", reminderID, appointment.UTC().Format(time.RFC3339), n))
}

// Occurrence is one concrete due instance of a reminder.
type Occurrence struct {
	Key        OccurrenceKey
	ReminderID string
	Notice     Notice
	At         time.Time
	Title      string
	Body       string
}

// Message builds the notification text for a notice of r.
func (r *Reminder) Message(n Notice) (title, body string) {
	switch n {
	case NoticeAdvance:
		title = "Upcoming appointment"
		body = fmt.Sprintf("%s in %d hours", r.Name, r.ReminderAdvanceHours)
	case NoticeAppointment:
		title = "Appointment now"
		body = r.Name
	default:
		title = "Medication reminder"
		body = "Time to take " + r.Name
		if r.Dosage != "" {
			body += " (" + r.Dosage + ")"
		}
		return title, body
	}

	if r.DoctorName != "" {
		body += " with " + r.DoctorName
	}
	if r.Location != "" {
		body += " at " + r.Location
	}
	return title, body
}
