package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noahxzhu/med-reminder/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store keeps reminder records in a JSON file.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     *model.AppSchema
	now      func() time.Time
}

func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		data:     &model.AppSchema{Reminders: []*model.Reminder{}},
		now:      time.Now,
	}
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = &model.AppSchema{Reminders: []*model.Reminder{}}
			return nil
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		s.data = &model.AppSchema{Reminders: []*model.Reminder{}}
		return nil
	}

	var schema model.AppSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	if schema.Reminders == nil {
		schema.Reminders = []*model.Reminder{}
	}
	s.data = &schema
	return nil
}

func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// List returns a snapshot of every reminder, ordered by creation time.
func (s *Store) List() []model.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Reminder, 0, len(s.data.Reminders))
	for _, r := range s.data.Reminders {
		result = append(result, cloneReminder(r))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// ListForUser returns the reminders owned by userID.
func (s *Store) ListForUser(userID string) []model.Reminder {
	var out []model.Reminder
	for _, r := range s.List() {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Get(id string) (model.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.findLocked(id); r != nil {
		return cloneReminder(r), nil
	}
	return model.Reminder{}, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
}

// Add validates r, assigns an id and persists it.
func (s *Store) Add(r model.Reminder) (model.Reminder, error) {
	if err := r.Validate(); err != nil {
		return model.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now

	stored := cloneReminder(&r)
	s.data.Reminders = append(s.data.Reminders, &stored)
	if err := s.saveLocked(); err != nil {
		s.data.Reminders = s.data.Reminders[:len(s.data.Reminders)-1]
		return model.Reminder{}, err
	}
	return r, nil
}

// Update replaces the stored record with the same id.
func (s *Store) Update(r model.Reminder) (model.Reminder, error) {
	if err := r.Validate(); err != nil {
		return model.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findLocked(r.ID)
	if existing == nil {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", r.ID, ErrNotFound)
	}
	prev := *existing

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now().UTC()
	*existing = cloneReminder(&r)
	if err := s.saveLocked(); err != nil {
		*existing = prev
		return model.Reminder{}, err
	}
	return r, nil
}

// SetTaken flips the user's completion flag. It has no effect on scheduling.
func (s *Store) SetTaken(id string, taken bool) (model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findLocked(id)
	if existing == nil {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	existing.Taken = taken
	existing.UpdatedAt = s.now().UTC()
	if err := s.saveLocked(); err != nil {
		return model.Reminder{}, err
	}
	return cloneReminder(existing), nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.data.Reminders {
		if r.ID != id {
			continue
		}
		prev := s.data.Reminders
		s.data.Reminders = append(append([]*model.Reminder{}, prev[:i]...), prev[i+1:]...)
		if err := s.saveLocked(); err != nil {
			s.data.Reminders = prev
			return err
		}
		return nil
	}
	return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
}

func (s *Store) findLocked(id string) *model.Reminder {
	for _, r := range s.data.Reminders {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func cloneReminder(r *model.Reminder) model.Reminder {
	c := *r
	c.Times = append([]model.TimeOfDay(nil), r.Times...)
	if r.EndDate != nil {
		end := *r.EndDate
		c.EndDate = &end
	}
	return c
}
