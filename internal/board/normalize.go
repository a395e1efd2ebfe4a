package board

import (
	"errors"
	"time"

	"clinicboard/internal/model"
)

// UntitledPlaceholder replaces a missing event title.
const UntitledPlaceholder = "Untitled"

var (
	// ErrMissingStart marks a raw event with neither a date nor a dateTime start.
	ErrMissingStart = errors.New("event has no start")
	// ErrMissingEnd marks a raw event with neither a date nor a dateTime end.
	ErrMissingEnd = errors.New("event has no end")
)

// Normalize converts one provider event into the canonical shape.
//
// Timestamped start/end values are kept as-is; whole-day values resolve to
// local midnight of that date in loc. The owning calendar's id, label and
// type are stamped onto the event. Events whose end precedes their start
// are returned unchanged; the caller decides how to report them.
func Normalize(raw model.RawEvent, cfg model.CalendarConfig, loc *time.Location) (model.CalendarEvent, error) {
	if loc == nil {
		loc = time.UTC
	}

	start, ok := raw.Start.Resolve(loc)
	if !ok {
		return model.CalendarEvent{}, ErrMissingStart
	}
	end, ok := raw.End.Resolve(loc)
	if !ok {
		return model.CalendarEvent{}, ErrMissingEnd
	}

	title := raw.Title
	if title == "" {
		title = UntitledPlaceholder
	}

	return model.CalendarEvent{
		ID:            raw.ID,
		CalendarID:    cfg.ID,
		CalendarLabel: cfg.Label,
		CalendarType:  cfg.Type,
		Title:         title,
		Start:         start,
		End:           end,
		AllDay:        raw.Start.IsAllDay(),
		Location:      raw.Location,
		Description:   raw.Description,
	}, nil
}
