package board

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "clinicboard/internal/log"
	"clinicboard/internal/model"
	"clinicboard/internal/source"
)

func init() {
	appLog.SetOutput(io.Discard)
}

var may1 = model.Date{Year: 2024, Month: time.May, Day: 1}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func timed(id string, start, end time.Time) model.RawEvent {
	return model.RawEvent{ID: id, Title: id, Start: model.Instant(start), End: model.Instant(end)}
}

func TestNormalizeAllDayUsesLocalMidnight(t *testing.T) {
	loc := mustLoc(t, "America/Bogota")
	cfg := model.CalendarConfig{ID: "r1", Label: "Consultorio", Type: model.TypeResource}

	raw := model.RawEvent{
		ID:    "e1",
		Start: model.AllDay(may1),
		End:   model.AllDay(model.Date{Year: 2024, Month: time.May, Day: 2}),
	}
	ev, err := Normalize(raw, cfg, loc)
	require.NoError(t, err)

	assert.True(t, ev.Start.Equal(time.Date(2024, time.May, 1, 0, 0, 0, 0, loc)))
	assert.Equal(t, "2024-05-01T00:00:00-05:00", ev.Start.Format(time.RFC3339))
	assert.True(t, ev.AllDay)
	assert.Equal(t, UntitledPlaceholder, ev.Title)
	assert.Equal(t, "r1", ev.CalendarID)
	assert.Equal(t, "Consultorio", ev.CalendarLabel)
	assert.Equal(t, model.TypeResource, ev.CalendarType)
}

func TestNormalizeDateTimeKeptUnchanged(t *testing.T) {
	start, err := time.Parse(time.RFC3339, "2024-05-01T09:00:00-05:00")
	require.NoError(t, err)
	end := start.Add(time.Hour)

	ev, err := Normalize(timed("e1", start, end), model.CalendarConfig{ID: "r1"}, mustLoc(t, "Asia/Tokyo"))
	require.NoError(t, err)
	assert.True(t, ev.Start.Equal(start))
	assert.True(t, ev.End.Equal(end))
	assert.False(t, ev.AllDay)
}

func TestNormalizeMissingBounds(t *testing.T) {
	cfg := model.CalendarConfig{ID: "r1"}
	now := time.Now()

	_, err := Normalize(model.RawEvent{ID: "x", End: model.Instant(now)}, cfg, time.UTC)
	assert.ErrorIs(t, err, ErrMissingStart)

	_, err = Normalize(model.RawEvent{ID: "x", Start: model.Instant(now)}, cfg, time.UTC)
	assert.ErrorIs(t, err, ErrMissingEnd)
}

func TestNormalizeInvertedPassesThrough(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	ev, err := Normalize(timed("e1", start, end), model.CalendarConfig{ID: "r1"}, time.UTC)
	require.NoError(t, err)
	assert.True(t, ev.Start.Equal(start))
	assert.True(t, ev.End.Equal(end))
}

// fakeProvider serves canned events per calendar id and records calls.
type fakeProvider struct {
	mu     sync.Mutex
	events map[string][]model.RawEvent
	fail   map[string]error
	calls  []source.Request
}

func (f *fakeProvider) Fetch(_ context.Context, req source.Request) ([]model.RawEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if err := f.fail[req.CalendarID]; err != nil {
		return nil, err
	}
	return f.events[req.CalendarID], nil
}

func (f *fakeProvider) calledWith(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.CalendarID == id {
			return true
		}
	}
	return false
}

func newAggregator(p source.Source, loc *time.Location) *Aggregator {
	r := source.NewRouter()
	r.Register(model.ProviderGoogle, p)
	return NewAggregator(r, loc)
}

func TestAggregateSkipsInactiveCalendars(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakeProvider{events: map[string][]model.RawEvent{
		"r1": {timed("a", start, start.Add(time.Hour))},
		"r2": {timed("b", start, start.Add(time.Hour))},
	}}
	configs := []model.CalendarConfig{
		{ID: "r1", Active: true},
		{ID: "r2", Active: false},
	}

	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)

	assert.False(t, p.calledWith("r2"))
	require.Len(t, b.Events, 1)
	assert.Equal(t, "r1", b.Events[0].CalendarID)
	require.Len(t, b.Calendars, 1)
	assert.Equal(t, "r1", b.Calendars[0].Config.ID)
}

func TestAggregatePartialFailure(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakeProvider{
		events: map[string][]model.RawEvent{
			"r1": {timed("a", start, start.Add(time.Hour))},
			"r3": {timed("c", start, start.Add(time.Hour)), timed("d", start.Add(2*time.Hour), start.Add(3*time.Hour))},
		},
		fail: map[string]error{"r2": errors.New("503 Service Unavailable")},
	}
	configs := []model.CalendarConfig{
		{ID: "r1", Active: true, SortOrder: 1},
		{ID: "r2", Active: true, SortOrder: 2},
		{ID: "r3", Active: true, SortOrder: 3},
	}

	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)

	require.Len(t, b.Events, 3)
	for _, e := range b.Events {
		assert.NotEqual(t, "r2", e.CalendarID)
	}
	st, ok := b.Status("r2")
	require.True(t, ok)
	assert.True(t, st.Failed())
	assert.Contains(t, st.Err, "503")

	st, _ = b.Status("r3")
	assert.False(t, st.Failed())
	assert.Equal(t, 2, st.Events)
}

func TestAggregateAllFailed(t *testing.T) {
	p := &fakeProvider{fail: map[string]error{
		"r1": errors.New("timeout"),
		"r2": errors.New("401 Unauthorized"),
	}}
	configs := []model.CalendarConfig{{ID: "r1", Active: true}, {ID: "r2", Active: true}}

	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(), configs, may1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFetchesFailed)
	assert.Contains(t, err.Error(), "401 Unauthorized")
	require.NotNil(t, b)
	assert.Empty(t, b.Events)
}

func TestAggregateNoActiveCalendarsIsNotAnError(t *testing.T) {
	b, err := newAggregator(&fakeProvider{}, time.UTC).Aggregate(context.Background(),
		[]model.CalendarConfig{{ID: "r1"}}, may1)
	require.NoError(t, err)
	assert.Empty(t, b.Events)
	assert.Empty(t, b.Calendars)
}

func TestAggregateIsIdempotent(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakeProvider{events: map[string][]model.RawEvent{
		"r1": {timed("a", start, start.Add(time.Hour)), timed("b", start.Add(time.Hour), start.Add(2*time.Hour))},
		"r2": {timed("a", start, start.Add(30*time.Minute))},
	}}
	configs := []model.CalendarConfig{{ID: "r1", Active: true}, {ID: "r2", Active: true}}
	agg := newAggregator(p, time.UTC)

	first, err := agg.Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAggregatePreservesProviderOrderAndTags(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	// Provider order is deliberately not chronological.
	p := &fakeProvider{events: map[string][]model.RawEvent{
		"r1": {
			timed("late", start.Add(3*time.Hour), start.Add(4*time.Hour)),
			timed("early", start, start.Add(time.Hour)),
		},
	}}
	configs := []model.CalendarConfig{{ID: "r1", Label: "Sala 1", Type: model.TypeResource, Active: true}}

	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)
	require.Len(t, b.Events, 2)
	assert.Equal(t, "late", b.Events[0].ID)
	assert.Equal(t, "early", b.Events[1].ID)
	for _, e := range b.Events {
		assert.Equal(t, "Sala 1", e.CalendarLabel)
		assert.Equal(t, model.TypeResource, e.CalendarType)
	}
}

func TestAggregateDropsMalformedAndCountsInverted(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakeProvider{events: map[string][]model.RawEvent{
		"r1": {
			{ID: "nostart", End: model.Instant(start)},
			timed("inverted", start, start.Add(-time.Minute)),
			timed("ok", start, start.Add(time.Hour)),
		},
	}}
	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(),
		[]model.CalendarConfig{{ID: "r1", Active: true}}, may1)
	require.NoError(t, err)

	require.Len(t, b.Events, 2)
	st, _ := b.Status("r1")
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 1, st.Inverted)
	assert.Equal(t, 2, st.Events)
}

func TestAggregateRequestUsesCalendarZoneAndExternalID(t *testing.T) {
	p := &fakeProvider{}
	configs := []model.CalendarConfig{
		{ID: "r1", ProviderCalendarID: "clinic@group.calendar.google.com", Timezone: "Europe/Madrid", Active: true},
		{ID: "r2", Active: true},
	}
	_, err := newAggregator(p, mustLoc(t, "America/Bogota")).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)

	require.Len(t, p.calls, 2)
	byID := map[string]source.Request{}
	for _, c := range p.calls {
		byID[c.CalendarID] = c
	}
	madrid := byID["clinic@group.calendar.google.com"]
	require.NotNil(t, madrid.Location)
	assert.Equal(t, "Europe/Madrid", madrid.Location.String())
	from, to := madrid.Window()
	assert.Equal(t, "2024-05-01T00:00:00+02:00", from.Format(time.RFC3339))
	assert.Equal(t, "2024-05-01T23:59:59+02:00", to.Format(time.RFC3339))

	assert.Equal(t, "America/Bogota", byID["r2"].Location.String())
}

func TestAggregateInvalidZoneAndUnknownProviderAreLocal(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakeProvider{events: map[string][]model.RawEvent{"r1": {timed("a", start, start.Add(time.Hour))}}}
	configs := []model.CalendarConfig{
		{ID: "r1", Active: true},
		{ID: "bad-zone", Timezone: "Mars/Olympus", Active: true},
		{ID: "bad-provider", Provider: "exchange", Active: true},
	}
	b, err := newAggregator(p, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)
	assert.Len(t, b.Events, 1)

	st, _ := b.Status("bad-provider")
	assert.Contains(t, st.Err, source.ErrUnknownProvider.Error())
	st, _ = b.Status("bad-zone")
	assert.True(t, st.Failed())
}

func TestAggregateRecoversPanickingSource(t *testing.T) {
	r := source.NewRouter()
	r.Register(model.ProviderGoogle, source.SourceFunc(func(context.Context, source.Request) ([]model.RawEvent, error) {
		panic("boom")
	}))
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	r.Register(model.ProviderICS, source.SourceFunc(func(context.Context, source.Request) ([]model.RawEvent, error) {
		return []model.RawEvent{timed("a", start, start.Add(time.Hour))}, nil
	}))
	configs := []model.CalendarConfig{
		{ID: "g", Active: true},
		{ID: "i", Provider: model.ProviderICS, Active: true},
	}

	b, err := NewAggregator(r, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)
	st, _ := b.Status("g")
	assert.Contains(t, st.Err, "boom")
	assert.Len(t, b.Events, 1)
}

func TestAggregateFetchesConcurrently(t *testing.T) {
	const n = 4
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})

	r := source.NewRouter()
	r.Register(model.ProviderGoogle, source.SourceFunc(func(ctx context.Context, _ source.Request) ([]model.RawEvent, error) {
		started.Done()
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	configs := make([]model.CalendarConfig, n)
	for i := range configs {
		configs[i] = model.CalendarConfig{ID: string(rune('a' + i)), Active: true}
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewAggregator(r, time.UTC).Aggregate(context.Background(), configs, may1)
		done <- err
	}()

	// Every fetch must be in flight at the same time before any returns.
	waited := make(chan struct{})
	go func() { started.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("fetches were not issued concurrently")
	}
	close(release)
	require.NoError(t, <-done)
}

func TestAggregateFetchTimeout(t *testing.T) {
	r := source.NewRouter()
	r.Register(model.ProviderGoogle, source.SourceFunc(func(ctx context.Context, _ source.Request) ([]model.RawEvent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	agg := NewAggregator(r, time.UTC, WithFetchTimeout(20*time.Millisecond))

	_, err := agg.Aggregate(context.Background(), []model.CalendarConfig{{ID: "slow", Active: true}}, may1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFetchesFailed)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestAggregateOrdersStatusesBySortOrder(t *testing.T) {
	configs := []model.CalendarConfig{
		{ID: "c", Active: true, SortOrder: 2},
		{ID: "a", Active: true, SortOrder: 1},
		{ID: "b", Active: true, SortOrder: 2},
	}
	b, err := newAggregator(&fakeProvider{}, time.UTC).Aggregate(context.Background(), configs, may1)
	require.NoError(t, err)

	ids := make([]string, 0, len(b.Calendars))
	for _, s := range b.Calendars {
		ids = append(ids, s.Config.ID)
	}
	// ties keep insertion order
	assert.Equal(t, []string{"a", "c", "b"}, ids)
}
