// Package scheduler drives board refreshes. Periodic cron ticks,
// configuration changes, date changes and manual refreshes all feed one
// single-entry trigger channel; every trigger starts an aggregation cycle
// that publishes an immutable Snapshot. A faster ticker re-classifies the
// latest snapshot into a Live view.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"clinicboard/internal/board"
	"clinicboard/internal/clock"
	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
)

const (
	DefaultRefresh = "@every 60s"
	DefaultTick    = time.Second
)

// ConfigReader returns the calendar set to aggregate. It is called at the
// start of every cycle.
type ConfigReader interface {
	Calendars(ctx context.Context) ([]model.CalendarConfig, error)
}

// Aggregator builds a board for one date.
type Aggregator interface {
	Aggregate(ctx context.Context, configs []model.CalendarConfig, date model.Date) (*board.Board, error)
}

// Snapshot is the published result of the most recent completed cycle.
// Board is the last successfully aggregated board and survives failed
// cycles; Err describes the latest failure and is cleared on success.
type Snapshot struct {
	Seq         uint64       `json:"seq"`
	CycleID     string       `json:"cycle_id,omitempty"`
	Date        model.Date   `json:"date"`
	Board       *board.Board `json:"-"`
	RefreshedAt time.Time    `json:"refreshed_at"`
	Err         string       `json:"error,omitempty"`
	FailedAt    time.Time    `json:"failed_at"`
}

// Stale reports whether the most recent cycle failed, meaning Board is
// older than the latest attempt.
func (s *Snapshot) Stale() bool {
	return s.Err != ""
}

// Ready reports whether any board has been published yet.
func (s *Snapshot) Ready() bool {
	return s.Board != nil
}

// Scheduler owns the board snapshot and everything that refreshes it.
type Scheduler struct {
	cfg   ConfigReader
	agg   Aggregator
	clock clock.Clock
	loc   *time.Location

	refresh string
	tick    time.Duration
	notify  <-chan struct{}

	triggers chan string

	mu         sync.Mutex
	date       model.Date // zero follows today
	cancelPrev context.CancelFunc

	started atomic.Uint64
	snap    atomic.Pointer[Snapshot]
	live    atomic.Pointer[Live]

	cycles sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source for cycles and live classification.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRefresh sets the cron spec of the periodic trigger.
func WithRefresh(spec string) Option {
	return func(s *Scheduler) { s.refresh = spec }
}

// WithTick sets the live classification interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLocation sets the zone used to decide what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithDate pins the initial board date. Without it the board follows
// today.
func WithDate(d model.Date) Option {
	return func(s *Scheduler) { s.date = d }
}

// WithNotify subscribes the scheduler to configuration change
// notifications. Each receive triggers a cycle.
func WithNotify(ch <-chan struct{}) Option {
	return func(s *Scheduler) { s.notify = ch }
}

// New builds a Scheduler. Nothing runs until Run is called.
func New(cfg ConfigReader, agg Aggregator, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		agg:      agg,
		clock:    clock.Real{},
		loc:      time.Local,
		refresh:  DefaultRefresh,
		tick:     DefaultTick,
		triggers: make(chan string, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	initial := &Snapshot{Date: s.Date()}
	s.snap.Store(initial)
	s.live.Store(&Live{Now: s.clock.Now(), Date: s.Date(), Snapshot: initial, Calendars: board.Classification{}})
	return s
}

// Snapshot returns the latest published snapshot. It is never nil and
// must not be modified.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Date returns the board date: the pinned date, or today in the
// scheduler's zone.
func (s *Scheduler) Date() model.Date {
	s.mu.Lock()
	d := s.date
	s.mu.Unlock()
	if d.IsZero() {
		return model.DateOf(s.clock.Now().In(s.loc))
	}
	return d
}

// SetDate changes the board date and triggers a refresh. The zero Date
// returns to following today.
func (s *Scheduler) SetDate(d model.Date) {
	s.mu.Lock()
	s.date = d
	s.mu.Unlock()
	appLog.Info("board date changed", "date", s.Date().String())
	s.Trigger("date")
}

// Trigger requests a refresh. Requests made while one is already pending
// are coalesced into it.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.triggers <- reason:
	default:
		appLog.Debug("refresh already pending; coalesced", "reason", reason)
	}
}

// Run starts the cron trigger, the notification listener and the live
// ticker, and triggers an initial refresh. It blocks until ctx is done and
// every in-flight cycle has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.refresh, func() { s.Trigger("cron") }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.refresh, err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		s.tickLoop(ctx)
	}()
	if s.notify != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.notifyLoop(ctx)
		}()
	}

	appLog.Info("scheduler started", "refresh", s.refresh, "tick", s.tick.String(), "date", s.Date().String())
	s.Trigger("startup")

	for {
		select {
		case <-ctx.Done():
			loops.Wait()
			s.cycles.Wait()
			appLog.Info("scheduler stopped")
			return nil
		case reason := <-s.triggers:
			s.startCycle(ctx, reason)
		}
	}
}

func (s *Scheduler) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.notify:
			if !ok {
				return
			}
			s.Trigger("config")
		}
	}
}

// startCycle launches a cycle without waiting for earlier ones. The
// previous cycle's context is cancelled since its result will be
// discarded anyway.
func (s *Scheduler) startCycle(parent context.Context, reason string) {
	seq := s.started.Add(1)
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if s.cancelPrev != nil {
		s.cancelPrev()
	}
	s.cancelPrev = cancel
	s.mu.Unlock()

	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer cancel()
		s.runCycle(ctx, seq, reason)
	}()
}

// Refresh runs one cycle synchronously and returns the resulting
// snapshot together with the cycle's error, if any.
func (s *Scheduler) Refresh(ctx context.Context) (*Snapshot, error) {
	seq := s.started.Add(1)
	err := s.runCycle(ctx, seq, "manual")
	return s.Snapshot(), err
}

func (s *Scheduler) runCycle(ctx context.Context, seq uint64, reason string) error {
	id := uuid.NewString()
	date := s.Date()
	began := s.clock.Now()
	appLog.Info("refresh cycle start", "seq", seq, "cycle", id, "reason", reason, "date", date.String())

	b, err := s.aggregate(ctx, date)

	if latest := s.started.Load(); seq < latest {
		appLog.Debug("refresh cycle superseded; result discarded", "seq", seq, "latest", latest, "cycle", id)
		return nil
	}
	if ctx.Err() != nil {
		appLog.Debug("refresh cycle cancelled", "seq", seq, "cycle", id)
		return ctx.Err()
	}

	now := s.clock.Now()
	var published bool
	if err != nil {
		published = s.publish(seq, func(prev *Snapshot) *Snapshot {
			next := *prev
			next.Seq = seq
			next.CycleID = id
			next.Err = err.Error()
			next.FailedAt = now
			return &next
		})
		appLog.Error("refresh cycle failed; keeping last board", err,
			"seq", seq, "cycle", id, "date", date.String(), "published", published)
	} else {
		published = s.publish(seq, func(*Snapshot) *Snapshot {
			return &Snapshot{Seq: seq, CycleID: id, Date: date, Board: b, RefreshedAt: now}
		})
		appLog.Info("refresh cycle done", "seq", seq, "cycle", id, "date", date.String(),
			"events", len(b.Events), "calendars", len(b.Calendars),
			"elapsed", now.Sub(began).String(), "published", published)
	}

	if published {
		s.Reclassify()
	}
	return err
}

func (s *Scheduler) aggregate(ctx context.Context, date model.Date) (*board.Board, error) {
	cals, err := s.cfg.Calendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	b, err := s.agg.Aggregate(ctx, cals, date)
	if err != nil {
		if errors.Is(err, board.ErrAllFetchesFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	if b == nil {
		return nil, errors.New("aggregate: no board returned")
	}
	return b, nil
}

// publish swaps in build(current) unless a snapshot from the same or a
// newer cycle is already published.
func (s *Scheduler) publish(seq uint64, build func(prev *Snapshot) *Snapshot) bool {
	for {
		cur := s.snap.Load()
		if cur.Seq >= seq {
			return false
		}
		if s.snap.CompareAndSwap(cur, build(cur)) {
			return true
		}
	}
}
