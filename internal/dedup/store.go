// Package dedup records which occurrences have already been delivered so
// that each one fires at most once per retention window.
package dedup

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noahxzhu/med-reminder/internal/model"
)

// DefaultRetention bounds how long a claim is remembered.
const DefaultRetention = 24 * time.Hour

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medremind_dedup_claims_total",
		Help: "Occurrence claim attempts by result",
	}, []string{"result"})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medremind_dedup_evicted_total",
		Help: "Delivery records evicted by age",
	})
)

// Store is a time-evicted set of claimed occurrence keys.
type Store struct {
	mu     sync.Mutex
	claims map[model.OccurrenceKey]time.Time
	now    func() time.Time
}

// NewStore returns an empty store. now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		claims: make(map[model.OccurrenceKey]time.Time),
		now:    now,
	}
}

// TryClaim returns true iff this call is the first to claim key. A claim is
// never released except by EvictOlderThan.
func (s *Store) TryClaim(key model.OccurrenceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[key]; ok {
		claimsTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	s.claims[key] = s.now()
	claimsTotal.WithLabelValues("claimed").Inc()
	return true
}

// Claimed reports whether key currently holds a claim.
func (s *Store) Claimed(key model.OccurrenceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[key]
	return ok
}

// EvictOlderThan drops claims recorded before cutoff and returns how many
// were removed.
func (s *Store) EvictOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, at := range s.claims {
		if at.Before(cutoff) {
			delete(s.claims, k)
			n++
		}
	}
	if n > 0 {
		evictedTotal.Add(float64(n))
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}
