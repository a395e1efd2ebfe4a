package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "clinicboard/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location anchors all-day events: their civil dates are re-read as
	// local midnights in this zone. If nil, time.UTC is used.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive time window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Occurrence is a single concrete instance of a VEVENT inside the range.
type Occurrence struct {
	FeedID string
	UID    string

	Summary     string
	Description string
	Location    string

	AllDay bool
	Start  time.Time
	End    time.Time
}

// ExpandResult wraps the list of expanded occurrences and optionally
// information about truncation.
type ExpandResult struct {
	Occurrences []Occurrence
	// Undated are VEVENTs without a usable DTSTART. They cannot be placed
	// in the range and are reported to the caller instead of being lost.
	Undated []ParsedEvent
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences expands parsed VEVENTs into concrete occurrences that
// intersect the configured range. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// Base events are visited in input order so the output is deterministic.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], anchorAllDay(ev, cfg.Location))
		}
	}

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			continue
		}
		if ev.Start.IsZero() {
			result.Undated = append(result.Undated, ev)
			continue
		}

		occ, hitCap := expandEvent(anchorAllDay(ev, cfg.Location), overridesByUID[ev.UID], cfg)
		result.Occurrences = append(result.Occurrences, occ...)

		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Error("expand: truncated occurrences for UID due to cap",
				errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	return result, nil
}

// anchorAllDay re-reads an all-day event's civil dates as local midnights
// in loc, so "2024-05-01" covers the local day regardless of how the
// parser attached a zone to it.
func anchorAllDay(ev ParsedEvent, loc *time.Location) ParsedEvent {
	if !ev.AllDay || ev.Start.IsZero() {
		return ev
	}
	ev.Start = midnightIn(ev.Start, loc)
	ev.End = midnightIn(ev.End, loc)
	if ev.Recurrence != nil {
		rid := midnightIn(*ev.Recurrence, loc)
		ev.Recurrence = &rid
	}
	exDates := make([]time.Time, len(ev.ExDates))
	for i, ex := range ev.ExDates {
		exDates[i] = midnightIn(ex, loc)
	}
	ev.ExDates = exDates
	return ev
}

func midnightIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Occurrence {
	baseStart := ev.Start
	baseEnd := ev.End

	// Apply any override whose RECURRENCE-ID matches this start.
	if o, ok := findOverrideForStart(overrides, baseStart); ok {
		baseStart = o.Start
		baseEnd = o.End
		ev = o
	}

	if !overlaps(ev.AllDay, baseStart, baseEnd, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []Occurrence{makeOccurrence(ev, baseStart, baseEnd)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}

	// Ensure Dtstart is set to the event's DTSTART.
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)

	// Widen the lower bound by the event duration so occurrences that
	// started before the range but are still running are kept.
	rangeStart := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			occStart = midnightIn(occStart, ev.Start.Location())
			occEnd = occStart.AddDate(0, 0, int(dur.Hours()/24+0.5))
			if !occEnd.After(occStart) {
				occEnd = occStart.AddDate(0, 0, 1)
			}
		} else {
			occEnd = occStart.Add(dur)
		}

		baseStart, baseEnd, baseEv := occStart, occEnd, ev
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			baseStart, baseEnd, baseEv = o.Start, o.End, o
		}

		if !overlaps(baseEv.AllDay, baseStart, baseEnd, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(baseEv, baseStart, baseEnd))
	}

	return out, hitCap
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given start with exact time equality.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, start, end time.Time) Occurrence {
	return Occurrence{
		FeedID:      ev.Feed.ID,
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

// overlaps reports whether [aStart, aEnd] intersects [bStart, bEnd].
// All-day ends are exclusive: an all-day event ending at midnight does
// not reach into the next day.
func overlaps(allDay bool, aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(aStart) {
		aEnd = aStart
	}
	if allDay && aEnd.After(aStart) {
		if !aEnd.After(bStart) {
			return false
		}
	} else if aEnd.Before(bStart) {
		return false
	}
	return !bEnd.Before(aStart)
}
