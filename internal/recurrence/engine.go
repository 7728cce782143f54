// Package recurrence decides which calendar dates a reminder is due on and
// which concrete timestamps it fires at. Everything here is a pure function
// of its inputs; wall-clock reads stay with the caller.
package recurrence

import (
	"sort"
	"time"

	"github.com/noahxzhu/med-reminder/internal/model"
)

// Engine evaluates recurrence rules in a fixed location.
type Engine struct {
	Location *time.Location
}

func New(loc *time.Location) Engine {
	if loc == nil {
		loc = time.Local
	}
	return Engine{Location: loc}
}

// InRange reports whether d falls within [StartDate, EndDate].
func InRange(r *model.Reminder, d model.Date) bool {
	if d.Before(r.StartDate) {
		return false
	}
	return r.EndDate == nil || !d.After(*r.EndDate)
}

// IsRecurringDay applies the frequency rule. A monthly anchor that does not
// exist in a shorter month (the 31st in April) skips that month.
func IsRecurringDay(r *model.Reminder, d model.Date) bool {
	if !InRange(r, d) {
		return false
	}
	switch r.Frequency {
	case model.FrequencyDaily:
		return true
	case model.FrequencyWeekly:
		return d.DaysSince(r.StartDate)%7 == 0
	case model.FrequencyMonthly:
		return d.Day == r.StartDate.Day
	}
	return false
}

// IsDueOn reports whether r produces at least one occurrence on d.
func (e Engine) IsDueOn(r *model.Reminder, d model.Date) bool {
	if r.Kind == model.KindAppointment {
		return len(e.appointmentOccurrences(r, d)) > 0
	}
	return IsRecurringDay(r, d)
}

// DueTimestampsOn returns the concrete due instants of r on d.
func (e Engine) DueTimestampsOn(r *model.Reminder, d model.Date) []time.Time {
	occs := e.OccurrencesOn(r, d)
	out := make([]time.Time, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.At)
	}
	return out
}

// OccurrencesOn returns the occurrences of r on d, keyed for deduplication.
func (e Engine) OccurrencesOn(r *model.Reminder, d model.Date) []model.Occurrence {
	if r.Kind == model.KindAppointment {
		return e.appointmentOccurrences(r, d)
	}
	if !IsRecurringDay(r, d) {
		return nil
	}

	title, body := r.Message(model.NoticeDose)
	out := make([]model.Occurrence, 0, len(r.Times))
	for _, t := range r.Times {
		out = append(out, model.Occurrence{
			Key:        model.MedicationKey(r.ID, t, d),
			ReminderID: r.ID,
			Notice:     model.NoticeDose,
			At:         d.At(t, e.Location),
			Title:      title,
			Body:       body,
		})
	}
	return out
}

// OccurrencesBetween returns every occurrence of r with from <= At <= to,
// ordered by time.
func (e Engine) OccurrencesBetween(r *model.Reminder, from, to time.Time) []model.Occurrence {
	if to.Before(from) {
		return nil
	}
	first := model.DateOf(from.In(e.Location))
	last := model.DateOf(to.In(e.Location))

	var out []model.Occurrence
	for d := first; !d.After(last); d = d.AddDays(1) {
		for _, o := range e.OccurrencesOn(r, d) {
			if o.At.Before(from) || o.At.After(to) {
				continue
			}
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// appointmentOccurrences yields the advance notice and the appointment
// itself, each under its own key, for whichever of them lands on d.
func (e Engine) appointmentOccurrences(r *model.Reminder, d model.Date) []model.Occurrence {
	if r.AppointmentDate.IsZero() {
		return nil
	}
	appt := r.AppointmentDate.In(e.Location)

	var out []model.Occurrence
	if r.ReminderAdvanceHours > 0 {
		advance := appt.Add(-time.Duration(r.ReminderAdvanceHours) * time.Hour)
		if model.DateOf(advance) == d {
			title, body := r.Message(model.NoticeAdvance)
			out = append(out, model.Occurrence{
				Key:        model.AppointmentKey(r.ID, appt, model.NoticeAdvance),
				ReminderID: r.ID,
				Notice:     model.NoticeAdvance,
				At:         advance,
				Title:      title,
				Body:       body,
			})
		}
	}
	if model.DateOf(appt) == d {
		title, body := r.Message(model.NoticeAppointment)
		out = append(out, model.Occurrence{
			Key:        model.AppointmentKey(r.ID, appt, model.NoticeAppointment),
			ReminderID: r.ID,
			Notice:     model.NoticeAppointment,
			At:         appt,
			Title:      title,
			Body:       body,
		})
	}
	return out
}
