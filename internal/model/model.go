package model

import (
	"fmt"
	"time"
)

// CalendarType is the closed set of calendar categories.
type CalendarType string

const (
	TypeResource     CalendarType = "resource"
	TypeProfessional CalendarType = "professional"
	TypeGeneral      CalendarType = "general"
)

// Valid reports whether t is one of the known categories.
func (t CalendarType) Valid() bool {
	switch t {
	case TypeResource, TypeProfessional, TypeGeneral:
		return true
	}
	return false
}

// Provider names accepted in CalendarConfig.Provider.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"
	ProviderCalDAV = "caldav"
)

// CalendarConfig describes one room, professional or piece of equipment
// whose calendar is shown on the board.
type CalendarConfig struct {
	// ID is the stable internal identifier, unique across the configured set.
	ID    string       `yaml:"id" json:"id"`
	Label string       `yaml:"label" json:"label"`
	Type  CalendarType `yaml:"type" json:"type"`
	// Subtype is an optional finer-grained category (e.g. "equipment").
	Subtype string `yaml:"subtype,omitempty" json:"subtype,omitempty"`

	// Provider selects the source adapter: "google" (default), "ics", "caldav".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	// ProviderCalendarID is the external identifier: a Google calendar id,
	// an ICS URL or a CalDAV collection path. Falls back to ID when empty.
	ProviderCalendarID string `yaml:"provider_calendar_id,omitempty" json:"provider_calendar_id,omitempty"`
	// Timezone is an IANA zone name; empty means the global default.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	Active      bool   `yaml:"active" json:"active"`
	ShowDetails bool   `yaml:"show_details" json:"show_details"`
	SortOrder   int    `yaml:"sort_order" json:"sort_order"`
	AvatarURL   string `yaml:"avatar_url,omitempty" json:"avatar_url,omitempty"`
}

// ExternalID returns the identifier sent to the provider.
func (c CalendarConfig) ExternalID() string {
	if c.ProviderCalendarID != "" {
		return c.ProviderCalendarID
	}
	return c.ID
}

// ProviderName returns the adapter name, defaulting to google.
func (c CalendarConfig) ProviderName() string {
	if c.Provider == "" {
		return ProviderGoogle
	}
	return c.Provider
}

// Date is a civil calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// In returns local midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// DayRange returns [00:00:00, 23:59:59] of d in loc.
func (d Date) DayRange(loc *time.Location) (time.Time, time.Time) {
	return d.In(loc), time.Date(d.Year, d.Month, d.Day, 23, 59, 59, 0, loc)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// EventTime is the provider-native start/end value: either a whole-day
// date or an absolute instant. The zero value means "absent".
type EventTime struct {
	date    Date
	instant time.Time
	allDay  bool
	set     bool
}

// AllDay builds a date-only EventTime.
func AllDay(d Date) EventTime {
	return EventTime{date: d, allDay: true, set: true}
}

// Instant builds a timestamped EventTime.
func Instant(t time.Time) EventTime {
	return EventTime{instant: t, set: true}
}

// IsZero reports whether the value is absent.
func (t EventTime) IsZero() bool {
	return !t.set
}

func (t EventTime) IsAllDay() bool {
	return t.set && t.allDay
}

// Resolve converts the value to an absolute instant. Whole-day dates
// resolve to local midnight in loc.
func (t EventTime) Resolve(loc *time.Location) (time.Time, bool) {
	switch {
	case !t.set:
		return time.Time{}, false
	case t.allDay:
		return t.date.In(loc), true
	default:
		return t.instant, true
	}
}

func (t EventTime) String() string {
	switch {
	case !t.set:
		return "<none>"
	case t.allDay:
		return t.date.String()
	default:
		return t.instant.Format(time.RFC3339)
	}
}

// RawEvent is one event as returned by a calendar provider, before
// normalization.
type RawEvent struct {
	ID          string
	Title       string
	Start       EventTime
	End         EventTime
	Location    string
	Description string
}

// CalendarEvent is the canonical event shape produced by the normalizer.
// It carries its owning calendar's identity so consumers never need to
// join back against configuration.
type CalendarEvent struct {
	ID            string       `json:"id"`
	CalendarID    string       `json:"calendar_id"`
	CalendarLabel string       `json:"calendar_label"`
	CalendarType  CalendarType `json:"calendar_type"`
	Title         string       `json:"title"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	AllDay        bool         `json:"all_day"`
	Location      string       `json:"location,omitempty"`
	Description   string       `json:"description,omitempty"`
}

// Key is the effective identity of an event; provider ids are only
// unique within one calendar.
func (e CalendarEvent) Key() string {
	return e.CalendarID + "/" + e.ID
}
