package config

import (
	"context"
	"fmt"
	"sync"

	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
)

// Store is the configuration backend read by the scheduler at the start
// of every aggregation cycle. It re-reads the YAML file on each call so
// edits made outside the process are picked up, and it notifies
// subscribers whenever the calendar list changes through it.
//
// Secrets applied from the environment are never written back: saves
// start from the file contents, not from an env-merged Config.
type Store struct {
	path string

	// writeMu serializes read-modify-write cycles on the file.
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

// NewStore returns a Store backed by the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path, subs: make(map[int]chan struct{})}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and normalizes the config file.
func (s *Store) Load() (*Config, error) {
	return Load(s.path)
}

// Calendars returns the current calendar list.
func (s *Store) Calendars(ctx context.Context) ([]model.CalendarConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := s.Load()
	if err != nil {
		return nil, fmt.Errorf("read calendar config: %w", err)
	}
	out := make([]model.CalendarConfig, len(cfg.Calendars))
	copy(out, cfg.Calendars)
	return out, nil
}

// SaveCalendars validates and persists a full replacement of the calendar
// list, then notifies subscribers.
func (s *Store) SaveCalendars(ctx context.Context, cals []model.CalendarConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateCalendars(cals); err != nil {
		return err
	}

	s.writeMu.Lock()
	cfg, err := s.Load()
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("read calendar config: %w", err)
	}
	cfg.Calendars = append([]model.CalendarConfig(nil), cals...)
	err = Save(s.path, cfg)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("save calendar config: %w", err)
	}

	appLog.Info("calendar config saved", "path", s.path, "calendars", len(cals))
	s.notify()
	return nil
}

// Reload re-validates the file after an out-of-band edit and notifies
// subscribers. The scheduler re-reads the file itself on the next cycle.
func (s *Store) Reload() error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	if err := ValidateCalendars(cfg.Calendars); err != nil {
		return err
	}
	appLog.Info("calendar config reloaded", "path", s.path, "calendars", len(cfg.Calendars))
	s.notify()
	return nil
}

// Subscribe returns a channel that receives a signal after every change.
// Signals carry no payload and may coalesce; the returned func
// unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// a signal is already pending
		}
	}
}
