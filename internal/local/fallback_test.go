package local

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	shown  []string
	showFn func(title, body, tag string) error
}

func (f *fakeNotifier) Show(_ context.Context, title, body, tag string) error {
	if f.showFn != nil {
		if err := f.showFn(title, body, tag); err != nil {
			return err
		}
	}
	f.shown = append(f.shown, tag)
	return nil
}

type fakeCue struct {
	plays int
	err   error
}

func (f *fakeCue) Play(context.Context) error {
	f.plays++
	return f.err
}

func TestDeliverLocally_ShowsAndPlaysCue(t *testing.T) {
	n := &fakeNotifier{}
	c := &fakeCue{}
	f := NewFallback(n, c)

	require.NoError(t, f.DeliverLocally(context.Background(), "T", "B", "r1|09:00|2024-01-05"))
	assert.Equal(t, []string{"r1|09:00|2024-01-05"}, n.shown)
	assert.Equal(t, 1, c.plays)
}

func TestDeliverLocally_RenderFailureIsReported(t *testing.T) {
	n := &fakeNotifier{showFn: func(string, string, string) error { return errors.New("permission revoked") }}
	c := &fakeCue{}
	f := NewFallback(n, c)

	err := f.DeliverLocally(context.Background(), "T", "B", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission revoked")
	assert.Zero(t, c.plays)
}

func TestDeliverLocally_CueFailureIsNotAnError(t *testing.T) {
	f := NewFallback(&fakeNotifier{}, &fakeCue{err: errors.New("no speaker")})
	assert.NoError(t, f.DeliverLocally(context.Background(), "T", "B", "k"))
}

func TestLogNotifierAndBellCue(t *testing.T) {
	var logs, bell bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewJSONHandler(&logs, nil))}
	f := NewFallback(n, &BellCue{W: &bell})

	require.NoError(t, f.DeliverLocally(context.Background(), "Medication reminder", "Time to take A", "k1"))
	assert.Contains(t, logs.String(), `"tag":"k1"`)
	assert.Equal(t, "\a", bell.String())
}
