// Package google serves "google" calendars through the Calendar v3 API
// using a service account.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"clinicboard/internal/config"
	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/source"
)

// ErrNoCredentials is returned by NewSource when neither an inline service
// account nor a credentials file is configured.
var ErrNoCredentials = errors.New("google: no service account credentials configured")

// Source lists one day of events per calendar.
type Source struct {
	service *calendar.Service
}

var _ source.Source = (*Source)(nil)

// NewSource builds an authenticated Source. Inline email/private key take
// precedence over the credentials file.
func NewSource(ctx context.Context, cfg config.GoogleConfig) (*Source, error) {
	var jc *jwt.Config
	switch {
	case cfg.ServiceAccountEmail != "" && cfg.PrivateKey != "":
		jc = &jwt.Config{
			Email:      cfg.ServiceAccountEmail,
			PrivateKey: []byte(FormatPrivateKey(cfg.PrivateKey)),
			Scopes:     []string{calendar.CalendarReadonlyScope},
			TokenURL:   google.JWTTokenURL,
		}
	case cfg.CredentialsFile != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file: %w", err)
		}
		jc, err = google.JWTConfigFromJSON(b, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse credentials file: %w", err)
		}
	default:
		return nil, ErrNoCredentials
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(jc.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Source{service: service}, nil
}

// NewSourceWithService wraps an already configured service.
func NewSourceWithService(service *calendar.Service) *Source {
	return &Source{service: service}
}

// FormatPrivateKey undoes the usual damage done to a PEM key stored in an
// env var: surrounding quotes and literal "\n" sequences.
func FormatPrivateKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, `"'`)
	return strings.ReplaceAll(key, `\n`, "\n")
}

// Fetch implements source.Source. Recurring events are expanded by the API
// and returned ordered by start time.
func (s *Source) Fetch(ctx context.Context, req source.Request) ([]model.RawEvent, error) {
	from, to := req.Window()

	call := s.service.Events.List(req.CalendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		OrderBy("startTime")
	if tz := zoneName(req.Location); tz != "" {
		call = call.TimeZone(tz)
	}

	var out []model.RawEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			out = append(out, toRawEvent(item))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events for %s: %w", req.CalendarID, err)
	}

	appLog.Debug("google events fetched", "calendar", req.CalendarID, "date", req.Date.String(), "count", len(out))
	return out, nil
}

func toRawEvent(item *calendar.Event) model.RawEvent {
	return model.RawEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Start:       eventTime(item.Start),
		End:         eventTime(item.End),
		Location:    item.Location,
		Description: item.Description,
	}
}

// eventTime maps {dateTime} to an instant and {date} to an all-day value.
// Anything unreadable is left absent so the event is dropped as malformed.
func eventTime(dt *calendar.EventDateTime) model.EventTime {
	if dt == nil {
		return model.EventTime{}
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return model.EventTime{}
		}
		return model.Instant(t)
	}
	if dt.Date != "" {
		d, err := model.ParseDate(dt.Date)
		if err != nil {
			return model.EventTime{}
		}
		return model.AllDay(d)
	}
	return model.EventTime{}
}

// zoneName returns the IANA name the API expects for loc. time.Local only
// reports "Local", so its name comes from TZ; without one the offsets in
// TimeMin/TimeMax still pin the window.
func zoneName(loc *time.Location) string {
	if loc == nil {
		return ""
	}
	if loc != time.Local && loc.String() != "Local" {
		return loc.String()
	}
	if tz := strings.TrimPrefix(os.Getenv("TZ"), ":"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	return ""
}
