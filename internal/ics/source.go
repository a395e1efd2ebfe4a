package ics

import (
	"context"
	"fmt"
	"sort"

	"clinicboard/internal/model"
	"clinicboard/internal/source"
)

// Source serves "ics" calendars: the calendar's provider id is the feed
// URL. Each fetch downloads (or revalidates) the feed, parses it and
// expands recurrences inside the requested day.
type Source struct {
	fetcher *Fetcher
}

// NewSource builds an ICS Source on top of fetcher.
func NewSource(fetcher *Fetcher) *Source {
	return &Source{fetcher: fetcher}
}

var _ source.Source = (*Source)(nil)

// Fetch implements source.Source. Events are returned ordered by start;
// ties keep feed order.
func (s *Source) Fetch(ctx context.Context, req source.Request) ([]model.RawEvent, error) {
	feed := Feed{ID: req.CalendarID, URL: req.CalendarID}

	res, err := s.fetcher.FetchOne(ctx, feed)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseICS(feed, res.Body)
	if err != nil {
		return nil, fmt.Errorf("ics parse %s: %w", redactURL(feed.URL), err)
	}

	from, to := req.Window()
	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		Location:   req.Location,
		RangeStart: from,
		RangeEnd:   to,
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(expanded.Occurrences, func(i, j int) bool {
		return expanded.Occurrences[i].Start.Before(expanded.Occurrences[j].Start)
	})

	out := make([]model.RawEvent, 0, len(expanded.Occurrences)+len(expanded.Undated))
	for _, occ := range expanded.Occurrences {
		out = append(out, toRawEvent(occ))
	}
	// Undated VEVENTs are passed on so the aggregator counts them as
	// dropped instead of them vanishing here.
	for _, ev := range expanded.Undated {
		out = append(out, model.RawEvent{
			ID:          ev.UID,
			Title:       ev.Summary,
			Location:    ev.Location,
			Description: ev.Description,
		})
	}
	return out, nil
}

func toRawEvent(occ Occurrence) model.RawEvent {
	raw := model.RawEvent{
		ID:          occurrenceID(occ),
		Title:       occ.Summary,
		Location:    occ.Location,
		Description: occ.Description,
	}
	if occ.AllDay {
		raw.Start = model.AllDay(model.DateOf(occ.Start))
		raw.End = model.AllDay(model.DateOf(occ.End))
	} else {
		raw.Start = model.Instant(occ.Start)
		raw.End = model.Instant(occ.End)
	}
	return raw
}

// occurrenceID keeps ids unique within the calendar when one recurring
// UID yields several instances.
func occurrenceID(occ Occurrence) string {
	if occ.AllDay {
		return occ.UID + "_" + model.DateOf(occ.Start).String()
	}
	return occ.UID + "_" + occ.Start.UTC().Format("20060102T150405Z")
}
