// Package source defines the calendar provider contract consumed by the
// board aggregator and a Router that dispatches each calendar to the
// adapter named in its configuration.
package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"clinicboard/internal/model"
)

// ErrUnknownProvider is returned when a calendar names a provider that has
// no registered adapter.
var ErrUnknownProvider = errors.New("unknown calendar provider")

// Request scopes one fetch: one external calendar, one day, one zone.
type Request struct {
	// CalendarID is the provider's identifier (CalendarConfig.ExternalID).
	CalendarID string
	Date       model.Date
	Location   *time.Location
}

// Window returns the request's [00:00:00, 23:59:59] range.
func (r Request) Window() (time.Time, time.Time) {
	return r.Date.DayRange(r.Location)
}

// Source returns the ordered raw events of one calendar for one day.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]model.RawEvent, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) ([]model.RawEvent, error)

func (f SourceFunc) Fetch(ctx context.Context, req Request) ([]model.RawEvent, error) {
	return f(ctx, req)
}

// Router picks a Source per calendar based on CalendarConfig.Provider.
type Router struct {
	sources map[string]Source
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register binds a provider name to an adapter. Registering nil removes it.
func (r *Router) Register(provider string, src Source) {
	if src == nil {
		delete(r.sources, provider)
		return
	}
	r.sources[provider] = src
}

// For returns the adapter for cfg.
func (r *Router) For(cfg model.CalendarConfig) (Source, error) {
	src, ok := r.sources[cfg.ProviderName()]
	if !ok {
		return nil, fmt.Errorf("%w %q for calendar %s", ErrUnknownProvider, cfg.ProviderName(), cfg.ID)
	}
	return src, nil
}

// Providers lists the registered provider names, sorted.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
