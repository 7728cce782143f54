// Package subscription owns the lifecycle of the remote push channel:
// permission, device registration and account linkage.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "medremind_subscription_transitions_total",
	Help: "Subscription state transitions by target state",
}, []string{"to"})

// Machine is the only writer of the subscription State. It never polls;
// callers drive it with Initialize, Reconcile, Link and Unlink.
type Machine struct {
	platform Platform
	linker   Linker
	logger   *slog.Logger

	// opMu serialises operations that talk to the platform or the gateway.
	opMu sync.Mutex

	mu    sync.RWMutex
	state State

	flight singleflight.Group
}

func NewMachine(platform Platform, linker Linker) *Machine {
	return &Machine{
		platform: platform,
		linker:   linker,
		logger:   slog.Default(),
		state:    State{Status: Unregistered},
	}
}

// State returns a snapshot.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Linked returns the device and account the gateway should target.
func (m *Machine) Linked() (deviceToken, externalUserID string, ok bool) {
	s := m.State()
	if s.Status != Linked {
		return "", "", false
	}
	return s.DeviceToken, s.ExternalUserID, true
}

func (m *Machine) set(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev.Status != next.Status {
		transitionsTotal.WithLabelValues(string(next.Status)).Inc()
		m.logger.Info("Subscription state changed", "from", prev.Status, "to", next.Status)
	}
}

// Initialize brings the channel up, prompting for permission if the user has
// not answered yet. Concurrent callers share one in-flight attempt, so there
// is at most one prompt and one registration per attempt. The shared attempt
// outlives any one caller's context; a caller whose context ends stops
// waiting for it.
func (m *Machine) Initialize(ctx context.Context) (State, error) {
	ch := m.flight.DoChan("initialize", func() (any, error) {
		return m.initialize(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return m.State(), ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return m.State(), res.Err
		}
		return res.Val.(State), nil
	}
}

func (m *Machine) initialize(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st, err := m.reconcileLocked(ctx)
	if err != nil {
		return st, err
	}
	if st.Status != PermissionRequested {
		return st, nil
	}

	perm, err := m.platform.RequestPermission(ctx)
	if err != nil {
		return st, fmt.Errorf("requesting notification permission: %w", err)
	}

	switch perm {
	case PermissionGranted:
		token, err := m.platform.RegisterDevice(ctx)
		if err != nil {
			return st, fmt.Errorf("registering device: %w", err)
		}
		st = State{Status: Subscribed, DeviceToken: token}
	case PermissionDenied:
		st = State{Status: Denied}
	default:
		// Prompt dismissed without an answer.
		return st, nil
	}
	m.set(st)
	return st, nil
}

// Reconcile re-reads platform permission and registration and re-derives the
// state. A Linked state survives only while its device token is unchanged.
func (m *Machine) Reconcile(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reconcileLocked(ctx)
}

func (m *Machine) reconcileLocked(ctx context.Context) (State, error) {
	cur := m.State()

	perm, err := m.platform.Permission(ctx)
	if err != nil {
		return cur, fmt.Errorf("reading notification permission: %w", err)
	}
	token, err := m.platform.DeviceToken(ctx)
	if err != nil {
		return cur, fmt.Errorf("reading device registration: %w", err)
	}

	var next State
	switch perm {
	case PermissionDenied:
		next = State{Status: Denied}
	case PermissionGranted:
		if token == "" {
			token, err = m.platform.RegisterDevice(ctx)
			if err != nil {
				return cur, fmt.Errorf("registering device: %w", err)
			}
		}
		next = State{Status: Subscribed, DeviceToken: token}
		if cur.Status == Linked && cur.DeviceToken == token {
			next = cur
		}
	default:
		if token != "" {
			next = State{Status: Subscribed, DeviceToken: token}
			if cur.Status == Linked && cur.DeviceToken == token {
				next = cur
			}
		} else {
			next = State{Status: PermissionRequested}
		}
	}

	m.set(next)
	return next, nil
}

// Link associates the current device registration with externalUserID.
// Linking without a device token is a caller bug and returns ErrNoDeviceToken.
func (m *Machine) Link(ctx context.Context, externalUserID string) (State, error) {
	if externalUserID == "" {
		return m.State(), ErrEmptyExternalID
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.State()
	if cur.DeviceToken == "" || (cur.Status != Subscribed && cur.Status != Linked) {
		return cur, fmt.Errorf("%w (state %s)", ErrNoDeviceToken, cur.Status)
	}
	if cur.Status == Linked && cur.ExternalUserID == externalUserID {
		return cur, nil
	}

	if err := m.linker.Link(ctx, cur.DeviceToken, externalUserID); err != nil {
		return cur, fmt.Errorf("linking device: %w", err)
	}

	next := State{Status: Linked, DeviceToken: cur.DeviceToken, ExternalUserID: externalUserID}
	m.set(next)
	return next, nil
}

// Unlink drops the account association and returns to Subscribed.
func (m *Machine) Unlink(ctx context.Context) (State, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.State()
	if cur.Status != Linked {
		return cur, nil
	}
	if err := m.linker.Unlink(ctx, cur.DeviceToken); err != nil {
		return cur, fmt.Errorf("unlinking device: %w", err)
	}

	next := State{Status: Subscribed, DeviceToken: cur.DeviceToken}
	m.set(next)
	return next, nil
}
