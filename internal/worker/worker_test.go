package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noahxzhu/med-reminder/internal/dedup"
	"github.com/noahxzhu/med-reminder/internal/dispatch"
	"github.com/noahxzhu/med-reminder/internal/gateway"
	"github.com/noahxzhu/med-reminder/internal/model"
	"github.com/noahxzhu/med-reminder/internal/storage"
	"github.com/noahxzhu/med-reminder/internal/subscription"
)

type staticSource []model.Reminder

func (s staticSource) List() []model.Reminder { return s }

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []model.OccurrenceKey
	fn        func(occ model.Occurrence) error
}

func (d *recordingDeliverer) Deliver(_ context.Context, occ model.Occurrence) (dispatch.Route, error) {
	if d.fn != nil {
		if err := d.fn(occ); err != nil {
			return dispatch.RouteLocal, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, occ.Key)
	return dispatch.RouteLocal, nil
}

func (d *recordingDeliverer) keys() []model.OccurrenceKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.OccurrenceKey(nil), d.delivered...)
}

type countingLocal struct {
	mu        sync.Mutex
	delivered []model.OccurrenceKey
}

func (l *countingLocal) DeliverLocally(_ context.Context, _, _ string, key model.OccurrenceKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivered = append(l.delivered, key)
	return nil
}

func daily(id string, times ...model.TimeOfDay) model.Reminder {
	return model.Reminder{
		ID:        id,
		Kind:      model.KindMedication,
		Name:      "Med " + id,
		Times:     times,
		StartDate: model.MustDate("2024-01-01"),
		Frequency: model.FrequencyDaily,
	}
}

func newTestMatcher(src ReminderSource, claims Claimer, d Deliverer, clock *time.Time) *Matcher {
	m := NewMatcher(src, claims, d, Options{
		Interval:  30 * time.Second,
		Tolerance: 60 * time.Second,
		Retention: 24 * time.Hour,
		Location:  time.UTC,
	})
	m.now = func() time.Time { return *clock }
	return m
}

func TestTick_DeliversOncePerOccurrence(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	claims := dedup.NewStore(func() time.Time { return clock })
	d := &recordingDeliverer{}
	m := newTestMatcher(staticSource{daily("id", model.TimeOfDay{Hour: 9})}, claims, d, &clock)

	res := m.Tick(ctx)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []model.OccurrenceKey{"id|09:00|2024-01-05"}, d.keys())

	clock = time.Date(2024, 1, 5, 9, 0, 40, 0, time.UTC)
	res = m.Tick(ctx)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, d.keys(), 1)
}

func TestTick_NoMissedOccurrencesAcrossADay(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	claims := dedup.NewStore(func() time.Time { return clock })
	d := &recordingDeliverer{}
	r := daily("id", model.TimeOfDay{Hour: 0}, model.TimeOfDay{Hour: 8, Minute: 15}, model.TimeOfDay{Hour: 23, Minute: 59})
	m := newTestMatcher(staticSource{r}, claims, d, &clock)

	end := clock.Add(24 * time.Hour)
	for ; clock.Before(end); clock = clock.Add(30 * time.Second) {
		m.Tick(ctx)
	}

	assert.ElementsMatch(t, []model.OccurrenceKey{
		// the first pass at midnight still sees the previous day's last dose
		"id|23:59|2024-01-04",
		"id|00:00|2024-01-05",
		"id|08:15|2024-01-05",
		"id|23:59|2024-01-05",
		// picked up early within the tolerance window just before midnight
		"id|00:00|2024-01-06",
	}, d.keys())
}

func TestTick_ConcurrentPassesClaimOnce(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	claims := dedup.NewStore(nil)
	d := &recordingDeliverer{}
	m := newTestMatcher(staticSource{daily("a", model.TimeOfDay{Hour: 9}), daily("b", model.TimeOfDay{Hour: 9})}, claims, d, &clock)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Tick(ctx)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []model.OccurrenceKey{"a|09:00|2024-01-05", "b|09:00|2024-01-05"}, d.keys())
}

func TestTick_IsolatesFailingReminder(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	d := &recordingDeliverer{fn: func(occ model.Occurrence) error {
		switch occ.ReminderID {
		case "bad":
			return errors.New("boom")
		case "panics":
			panic("nil map")
		}
		return nil
	}}
	src := staticSource{
		daily("bad", model.TimeOfDay{Hour: 9}),
		daily("panics", model.TimeOfDay{Hour: 9}),
		daily("good", model.TimeOfDay{Hour: 9}),
	}
	claims := dedup.NewStore(nil)
	m := newTestMatcher(src, claims, d, &clock)

	res := m.Tick(ctx)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []model.OccurrenceKey{"good|09:00|2024-01-05"}, d.keys())

	// Failed deliveries stay claimed; they are not retried on the next pass.
	assert.True(t, claims.Claimed("bad|09:00|2024-01-05"))
	res = m.Tick(ctx)
	assert.Zero(t, res.Delivered)
}

func TestStart_RunsImmediatelyAndOnRefresh(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	claims := dedup.NewStore(nil)
	d := &recordingDeliverer{}

	reminders := staticSource{daily("a", model.TimeOfDay{Hour: 9})}
	src := &switchableSource{list: reminders}
	m := NewMatcher(src, claims, d, Options{Interval: time.Hour, Tolerance: 2 * time.Hour, Location: time.UTC})
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(d.keys()) == 1 }, time.Second, 5*time.Millisecond)

	src.set(staticSource{daily("a", model.TimeOfDay{Hour: 9}), daily("b", model.TimeOfDay{Hour: 9})})
	m.Refresh()
	require.Eventually(t, func() bool { return len(d.keys()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("matcher did not stop")
	}
}

type switchableSource struct {
	mu   sync.Mutex
	list []model.Reminder
}

func (s *switchableSource) List() []model.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *switchableSource) set(l []model.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = l
}

// A gateway that keeps failing with 5xx is retried a bounded number of
// times, then the occurrence goes to the local fallback exactly once.
func TestTick_TransientGatewayFallsBackLocally(t *testing.T) {
	ctx := context.Background()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	jobs, err := storage.OpenJobs(":memory:")
	require.NoError(t, err)
	defer jobs.Close()

	gw := gateway.NewClient(gateway.Config{BaseURL: srv.URL, AppID: "app", APIKey: "key", MaxAttempts: 3, Backoff: time.Millisecond}, jobs)
	sub := subscription.NewMachine(subscription.NewMemoryPlatform(subscription.PermissionGranted), gw)
	gw.UseSubscription(sub)

	_, err = sub.Initialize(ctx)
	require.NoError(t, err)
	st, err := sub.Link(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, subscription.Linked, st.Status)

	local := &countingLocal{}
	dispatcher := dispatch.NewDispatcher(sub, gw, jobs, local)

	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	claims := dedup.NewStore(func() time.Time { return clock })
	m := newTestMatcher(staticSource{daily("id", model.TimeOfDay{Hour: 9})}, claims, dispatcher, &clock)

	res := m.Tick(ctx)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, int32(3), posts.Load())
	assert.Equal(t, []model.OccurrenceKey{"id|09:00|2024-01-05"}, local.delivered)
	assert.Equal(t, 1, claims.Len())

	clock = clock.Add(30 * time.Second)
	m.Tick(ctx)
	assert.Equal(t, int32(3), posts.Load())
	assert.Len(t, local.delivered, 1)
}

// A denied subscription routes straight to the local fallback.
func TestTick_DeniedSubscriptionDeliversLocally(t *testing.T) {
	ctx := context.Background()

	platform := subscription.NewMemoryPlatform(subscription.PermissionDenied)
	gw := gateway.NewClient(gateway.Config{BaseURL: "http://127.0.0.1:0", AppID: "app", APIKey: "key"}, nil)
	sub := subscription.NewMachine(platform, gw)
	gw.UseSubscription(sub)

	st, err := sub.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, subscription.PermissionRequested, st.Status)
	st, err = sub.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, subscription.Denied, st.Status)

	_, err = gw.Schedule(ctx, "id", "k", gateway.Payload{}, time.Now())
	require.ErrorIs(t, err, gateway.ErrChannelUnavailable)

	local := &countingLocal{}
	dispatcher := dispatch.NewDispatcher(sub, gw, nil, local)

	clock := time.Date(2024, 1, 5, 9, 0, 10, 0, time.UTC)
	m := newTestMatcher(staticSource{daily("id", model.TimeOfDay{Hour: 9})}, dedup.NewStore(nil), dispatcher, &clock)
	m.Tick(ctx)

	assert.Equal(t, []model.OccurrenceKey{"id|09:00|2024-01-05"}, local.delivered)
}
