package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/source"
)

// ErrAllFetchesFailed is returned when every active calendar failed to
// fetch. Individual failures are joined into the returned error.
var ErrAllFetchesFailed = errors.New("all calendar fetches failed")

// CalendarStatus is the per-calendar outcome of one aggregation cycle.
type CalendarStatus struct {
	Config model.CalendarConfig `json:"config"`
	// Err is the fetch failure reason, empty when the fetch succeeded.
	Err string `json:"error,omitempty"`
	// Events is the number of normalized events contributed.
	Events int `json:"events"`
	// Dropped counts raw events discarded for missing start/end.
	Dropped int `json:"dropped,omitempty"`
	// Inverted counts events whose end precedes their start.
	Inverted int `json:"inverted,omitempty"`
}

// Failed reports whether the calendar's fetch failed this cycle.
func (s CalendarStatus) Failed() bool {
	return s.Err != ""
}

// Board is the aggregated state of one cycle. Events keep provider order
// within a calendar; there is no cross-calendar ordering.
type Board struct {
	Date      model.Date            `json:"date"`
	Events    []model.CalendarEvent `json:"events"`
	Calendars []CalendarStatus      `json:"calendars"`
}

// Status returns the status of calendar id, if it was part of the cycle.
func (b *Board) Status(id string) (CalendarStatus, bool) {
	if b == nil {
		return CalendarStatus{}, false
	}
	for _, s := range b.Calendars {
		if s.Config.ID == id {
			return s, true
		}
	}
	return CalendarStatus{}, false
}

// EventsFor returns the events of calendar id in aggregation order.
func (b *Board) EventsFor(id string) []model.CalendarEvent {
	if b == nil {
		return nil
	}
	var out []model.CalendarEvent
	for _, e := range b.Events {
		if e.CalendarID == id {
			out = append(out, e)
		}
	}
	return out
}

// Aggregator fans out one fetch per active calendar and merges the results.
type Aggregator struct {
	router *source.Router
	// defaultLoc applies to calendars without their own timezone.
	defaultLoc *time.Location
	// fetchTimeout bounds each per-calendar fetch; zero disables it.
	fetchTimeout time.Duration
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithFetchTimeout bounds every per-calendar fetch.
func WithFetchTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// NewAggregator builds an Aggregator. defaultLoc nil means UTC.
func NewAggregator(router *source.Router, defaultLoc *time.Location, opts ...AggregatorOption) *Aggregator {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	a := &Aggregator{router: router, defaultLoc: defaultLoc}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// fetchResult is the outcome of one calendar's fetch.
type fetchResult struct {
	status CalendarStatus
	events []model.CalendarEvent
}

// Aggregate fetches every active calendar for date concurrently,
// normalizes and tags the events, and flattens them into one Board.
//
// A failing calendar contributes zero events and an error annotation; the
// call only fails when every active calendar failed.
func (a *Aggregator) Aggregate(ctx context.Context, configs []model.CalendarConfig, date model.Date) (*Board, error) {
	active := make([]model.CalendarConfig, 0, len(configs))
	for _, c := range configs {
		if c.Active {
			active = append(active, c)
		}
	}

	results := make([]fetchResult, len(active))
	var wg sync.WaitGroup
	for i, cfg := range active {
		wg.Add(1)
		go func(i int, cfg model.CalendarConfig) {
			defer wg.Done()
			results[i] = a.fetchOne(ctx, cfg, date)
		}(i, cfg)
	}
	wg.Wait()

	b := &Board{
		Date:      date,
		Events:    make([]model.CalendarEvent, 0),
		Calendars: make([]CalendarStatus, 0, len(results)),
	}
	var errs []error
	for _, r := range results {
		b.Events = append(b.Events, r.events...)
		b.Calendars = append(b.Calendars, r.status)
		if r.status.Failed() {
			errs = append(errs, fmt.Errorf("%s: %s", r.status.Config.ID, r.status.Err))
		}
	}
	sort.SliceStable(b.Calendars, func(i, j int) bool {
		return b.Calendars[i].Config.SortOrder < b.Calendars[j].Config.SortOrder
	})

	if len(active) > 0 && len(errs) == len(active) {
		return b, fmt.Errorf("%w: %w", ErrAllFetchesFailed, errors.Join(errs...))
	}
	return b, nil
}

func (a *Aggregator) fetchOne(ctx context.Context, cfg model.CalendarConfig, date model.Date) (res fetchResult) {
	res.status.Config = cfg

	defer func() {
		if r := recover(); r != nil {
			res.events = nil
			res.status.Events = 0
			res.status.Err = fmt.Sprintf("panic in calendar source: %v", r)
			appLog.Error("calendar fetch panicked", errors.New(res.status.Err), "calendar", cfg.ID)
		}
	}()

	loc, err := a.location(cfg)
	if err != nil {
		res.status.Err = err.Error()
		appLog.Error("calendar timezone invalid", err, "calendar", cfg.ID, "timezone", cfg.Timezone)
		return res
	}

	src, err := a.router.For(cfg)
	if err != nil {
		res.status.Err = err.Error()
		appLog.Error("calendar source unavailable", err, "calendar", cfg.ID)
		return res
	}

	if a.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
	}

	req := source.Request{CalendarID: cfg.ExternalID(), Date: date, Location: loc}
	raws, err := src.Fetch(ctx, req)
	if err != nil {
		res.status.Err = err.Error()
		appLog.Error("calendar fetch failed", err, "calendar", cfg.ID, "provider", cfg.ProviderName(), "date", date.String())
		return res
	}

	res.events = make([]model.CalendarEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := Normalize(raw, cfg, loc)
		if err != nil {
			res.status.Dropped++
			appLog.Warn("dropping malformed event", "calendar", cfg.ID, "event", raw.ID, "reason", err.Error())
			continue
		}
		if ev.End.Before(ev.Start) {
			res.status.Inverted++
			appLog.Warn("event ends before it starts", "calendar", cfg.ID, "event", ev.ID,
				"start", ev.Start.Format(time.RFC3339), "end", ev.End.Format(time.RFC3339))
		}
		res.events = append(res.events, ev)
	}
	res.status.Events = len(res.events)

	appLog.Debug("calendar fetched", "calendar", cfg.ID, "events", res.status.Events, "dropped", res.status.Dropped)
	return res
}

func (a *Aggregator) location(cfg model.CalendarConfig) (*time.Location, error) {
	if cfg.Timezone == "" {
		return a.defaultLoc, nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return loc, nil
}
