package board

import (
	"sort"
	"time"

	"clinicboard/internal/model"
)

// Partition is one calendar's live view: events in progress and events
// still to start. Finished events appear in neither.
type Partition struct {
	Current  []model.CalendarEvent `json:"current"`
	Upcoming []model.CalendarEvent `json:"upcoming"`
}

// Classification maps calendar id to its Partition.
type Classification map[string]Partition

// IsCurrent reports whether now falls inside [start, end], both ends
// inclusive: an event ending exactly at now is still current.
func IsCurrent(e model.CalendarEvent, now time.Time) bool {
	return !now.Before(e.Start) && !now.After(e.End)
}

// IsUpcoming reports whether e starts strictly after now.
func IsUpcoming(e model.CalendarEvent, now time.Time) bool {
	return e.Start.After(now)
}

// Classify partitions events per calendar relative to now. It is pure and
// only re-partitions the already aggregated slice, so it can run on every
// display tick. Upcoming events are ordered by start with a stable sort,
// so events starting together keep their aggregation order.
func Classify(events []model.CalendarEvent, now time.Time) Classification {
	out := make(Classification)
	for _, e := range events {
		p := out[e.CalendarID]
		switch {
		case IsCurrent(e, now):
			p.Current = append(p.Current, e)
		case IsUpcoming(e, now):
			p.Upcoming = append(p.Upcoming, e)
		default:
			// finished
		}
		out[e.CalendarID] = p
	}
	for id, p := range out {
		sort.SliceStable(p.Upcoming, func(i, j int) bool {
			return p.Upcoming[i].Start.Before(p.Upcoming[j].Start)
		})
		out[id] = p
	}
	return out
}

// ClassifyBoard classifies b's events and guarantees an entry, possibly
// empty, for every calendar that took part in the cycle.
func ClassifyBoard(b *Board, now time.Time) Classification {
	if b == nil {
		return Classification{}
	}
	out := Classify(b.Events, now)
	for _, s := range b.Calendars {
		if _, ok := out[s.Config.ID]; !ok {
			out[s.Config.ID] = Partition{}
		}
	}
	return out
}
