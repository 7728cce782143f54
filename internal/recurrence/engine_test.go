package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahxzhu/med-reminder/internal/model"
)

func medication(freq model.Frequency, start string, times ...string) *model.Reminder {
	r := &model.Reminder{
		ID:        "r1",
		Kind:      model.KindMedication,
		Name:      "Aspirin",
		Dosage:    "100mg",
		StartDate: model.MustDate(start),
		Frequency: freq,
	}
	for _, s := range times {
		t, err := model.ParseTimeOfDay(s)
		if err != nil {
			panic(err)
		}
		r.Times = append(r.Times, t)
	}
	return r
}

func TestIsDueOn_Daily(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyDaily, "2024-01-10", "09:00")

	start := model.MustDate("2024-01-01")
	for i := 0; i < 60; i++ {
		d := start.AddDays(i)
		assert.Equal(t, !d.Before(r.StartDate), e.IsDueOn(r, d), "date %s", d)
	}
}

func TestIsDueOn_DailyRespectsEndDate(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyDaily, "2024-01-01", "09:00")
	end := model.MustDate("2024-01-05")
	r.EndDate = &end

	assert.True(t, e.IsDueOn(r, model.MustDate("2024-01-05")))
	assert.False(t, e.IsDueOn(r, model.MustDate("2024-01-06")))
}

func TestIsDueOn_Weekly(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyWeekly, "2024-01-01", "09:00")

	assert.True(t, e.IsDueOn(r, model.MustDate("2024-01-08")))
	assert.False(t, e.IsDueOn(r, model.MustDate("2024-01-09")))

	var due []model.Date
	for d := model.MustDate("2023-12-01"); d.Before(model.MustDate("2024-04-01")); d = d.AddDays(1) {
		if e.IsDueOn(r, d) {
			due = append(due, d)
		}
	}
	require.NotEmpty(t, due)
	assert.Equal(t, r.StartDate, due[0])
	for i := 1; i < len(due); i++ {
		assert.Equal(t, 7, due[i].DaysSince(due[i-1]))
	}
}

func TestIsDueOn_Monthly(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyMonthly, "2024-01-15", "08:30")

	for d := model.MustDate("2024-01-01"); d.Before(model.MustDate("2025-01-01")); d = d.AddDays(1) {
		want := d.Day == 15 && !d.Before(r.StartDate)
		assert.Equal(t, want, e.IsDueOn(r, d), "date %s", d)
	}
}

func TestIsDueOn_MonthlySkipsShortMonths(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyMonthly, "2024-01-31", "08:00")

	assert.True(t, e.IsDueOn(r, model.MustDate("2024-03-31")))
	assert.False(t, e.IsDueOn(r, model.MustDate("2024-04-30")))
	assert.False(t, e.IsDueOn(r, model.MustDate("2024-02-29")))
	assert.True(t, e.IsDueOn(r, model.MustDate("2024-05-31")))
}

func TestDueTimestampsOn_Medication(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyDaily, "2024-01-01", "09:00", "21:30")

	got := e.DueTimestampsOn(r, model.MustDate("2024-01-05"))
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 5, 21, 30, 0, 0, time.UTC),
	}, got)

	assert.Empty(t, e.DueTimestampsOn(r, model.MustDate("2023-12-31")))
}

func TestOccurrencesOn_KeysAreDistinctPerTimeAndDate(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyDaily, "2024-01-01", "09:00", "21:30")

	a := e.OccurrencesOn(r, model.MustDate("2024-01-05"))
	b := e.OccurrencesOn(r, model.MustDate("2024-01-06"))
	require.Len(t, a, 2)
	require.Len(t, b, 2)

	assert.Equal(t, model.OccurrenceKey("r1|09:00|2024-01-05"), a[0].Key)
	assert.NotEqual(t, a[0].Key, a[1].Key)
	assert.NotEqual(t, a[0].Key, b[0].Key)
	assert.Equal(t, "Time to take Aspirin (100mg)", a[0].Body)
}

func TestAppointmentOccurrences(t *testing.T) {
	e := New(time.UTC)
	appt := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	r := &model.Reminder{
		ID:                   "a1",
		Kind:                 model.KindAppointment,
		Name:                 "Checkup",
		DoctorName:           "Dr. Who",
		AppointmentDate:      appt,
		ReminderAdvanceHours: 2,
		StartDate:            model.MustDate("2024-03-10"),
		Frequency:            model.FrequencyDaily,
	}

	// The advance notice falls on the previous evening.
	prev := e.OccurrencesOn(r, model.MustDate("2024-03-09"))
	require.Len(t, prev, 1)
	assert.Equal(t, model.NoticeAdvance, prev[0].Notice)
	assert.Equal(t, appt.Add(-2*time.Hour), prev[0].At)

	day := e.OccurrencesOn(r, model.MustDate("2024-03-10"))
	require.Len(t, day, 1)
	assert.Equal(t, model.NoticeAppointment, day[0].Notice)
	assert.NotEqual(t, prev[0].Key, day[0].Key)

	assert.True(t, e.IsDueOn(r, model.MustDate("2024-03-09")))
	assert.False(t, e.IsDueOn(r, model.MustDate("2024-03-11")))
}

func TestAppointmentWithoutAdvanceHasSingleOccurrence(t *testing.T) {
	e := New(time.UTC)
	r := &model.Reminder{
		ID:              "a2",
		Kind:            model.KindAppointment,
		Name:            "Dentist",
		AppointmentDate: time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC),
		StartDate:       model.MustDate("2024-03-10"),
		Frequency:       model.FrequencyDaily,
	}
	assert.Len(t, e.OccurrencesOn(r, model.MustDate("2024-03-10")), 1)
}

func TestOccurrencesBetween_SpansMidnight(t *testing.T) {
	e := New(time.UTC)
	r := medication(model.FrequencyDaily, "2024-01-01", "23:59", "00:00")

	from := time.Date(2024, 1, 5, 23, 59, 30, 0, time.UTC)
	to := from.Add(2 * time.Minute)
	got := e.OccurrencesBetween(r, from.Add(-time.Minute), to)

	require.Len(t, got, 2)
	assert.Equal(t, time.Date(2024, 1, 5, 23, 59, 0, 0, time.UTC), got[0].At)
	assert.Equal(t, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), got[1].At)
}

func TestOccurrencesBetween_UsesEngineLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	e := New(loc)
	r := medication(model.FrequencyDaily, "2024-01-01", "09:00")

	now := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC) // 09:00 in UTC+9
	got := e.OccurrencesBetween(r, now.Add(-time.Minute), now.Add(time.Minute))
	require.Len(t, got, 1)
	assert.True(t, got[0].At.Equal(now))
}
