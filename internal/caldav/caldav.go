// Package caldav serves "caldav" calendars: the calendar's provider id is
// the collection path on the configured CalDAV server.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"clinicboard/internal/config"
	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/source"
)

// userAgentTransport stamps every request with the board's user agent.
type userAgentTransport struct {
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", "clinicboard/1.0")
	return t.Transport.RoundTrip(req)
}

// Source queries one day of VEVENTs per collection.
type Source struct {
	client *caldav.Client
}

var _ source.Source = (*Source)(nil)

// NewSource creates a CalDAV source for cfg. A nil httpClient uses
// http.DefaultTransport.
func NewSource(cfg config.CalDAVConfig, httpClient *http.Client) (*Source, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("caldav: endpoint is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *httpClient
	hc.Transport = &userAgentTransport{Transport: base}

	var dav webdav.HTTPClient = &hc
	if cfg.Username != "" {
		dav = webdav.HTTPClientWithBasicAuth(dav, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(dav, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return &Source{client: client}, nil
}

// Fetch implements source.Source. The server is asked to expand
// recurrences inside the day; instances that still fall outside it (servers
// that ignore the expand request) are skipped.
func (s *Source) Fetch(ctx context.Context, req source.Request) ([]model.RawEvent, error) {
	from, to := req.Window()
	loc := req.Location
	if loc == nil {
		loc = time.UTC
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name: ical.CompEvent,
				Props: []string{
					ical.PropUID,
					ical.PropSummary,
					ical.PropDateTimeStart,
					ical.PropDateTimeEnd,
					ical.PropDuration,
					ical.PropLocation,
					ical.PropDescription,
					ical.PropRecurrenceID,
				},
			}},
			Expand: &caldav.CalendarExpandRequest{Start: from.UTC(), End: to.UTC()},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}

	objects, err := s.client.QueryCalendar(ctx, req.CalendarID, query)
	if err != nil {
		return nil, fmt.Errorf("caldav query %s: %w", req.CalendarID, err)
	}

	var out []model.RawEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			raw := toRawEvent(ev, loc)
			if !inWindow(raw, loc, from, to) {
				continue
			}
			out = append(out, raw)
		}
	}

	appLog.Debug("caldav events fetched", "calendar", req.CalendarID, "date", req.Date.String(), "objects", len(objects), "count", len(out))
	return out, nil
}

func toRawEvent(ev ical.Event, loc *time.Location) model.RawEvent {
	raw := model.RawEvent{
		ID:          text(ev.Props, ical.PropUID),
		Title:       text(ev.Props, ical.PropSummary),
		Location:    text(ev.Props, ical.PropLocation),
		Description: text(ev.Props, ical.PropDescription),
		Start:       eventTime(ev.Props.Get(ical.PropDateTimeStart), loc),
		End:         eventTime(ev.Props.Get(ical.PropDateTimeEnd), loc),
	}

	// Expanded instances share the master's UID.
	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil && rid.Value != "" {
		raw.ID += "_" + rid.Value
	}

	if raw.End.IsZero() && !raw.Start.IsZero() {
		raw.End = endFromDuration(ev, raw.Start, loc)
	}
	return raw
}

func text(props ical.Props, name string) string {
	v, err := props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

// eventTime maps DTSTART/DTEND: VALUE=DATE becomes an all-day value,
// anything else an instant. Floating times are read in loc.
func eventTime(p *ical.Prop, loc *time.Location) model.EventTime {
	if p == nil {
		return model.EventTime{}
	}
	t, err := p.DateTime(loc)
	if err != nil {
		return model.EventTime{}
	}
	if p.ValueType() == ical.ValueDate {
		return model.AllDay(model.DateOf(t))
	}
	return model.Instant(t)
}

// endFromDuration derives DTEND from DURATION, or applies the RFC 5545
// defaults: one day for all-day events, zero length otherwise.
func endFromDuration(ev ical.Event, start model.EventTime, loc *time.Location) model.EventTime {
	st, _ := start.Resolve(loc)
	if p := ev.Props.Get(ical.PropDuration); p != nil {
		if d, err := p.Duration(); err == nil {
			if start.IsAllDay() {
				return model.AllDay(model.DateOf(st.Add(d)))
			}
			return model.Instant(st.Add(d))
		}
	}
	if start.IsAllDay() {
		return model.AllDay(model.DateOf(st.AddDate(0, 0, 1)))
	}
	return start
}

// inWindow keeps events without a start (so they are counted as dropped)
// and events intersecting [from, to]. All-day ends are exclusive.
func inWindow(raw model.RawEvent, loc *time.Location, from, to time.Time) bool {
	start, ok := raw.Start.Resolve(loc)
	if !ok {
		return true
	}
	end, ok := raw.End.Resolve(loc)
	if !ok {
		return true
	}
	if start.After(to) {
		return false
	}
	if raw.End.IsAllDay() && end.After(start) {
		return end.After(from)
	}
	return !end.Before(from)
}
