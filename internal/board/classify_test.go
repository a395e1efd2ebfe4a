package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicboard/internal/model"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2024-05-01 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func event(cal, id, from, to string) model.CalendarEvent {
	return model.CalendarEvent{ID: id, CalendarID: cal, Title: id, Start: at(from), End: at(to)}
}

func ids(events []model.CalendarEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestClassifyScenario(t *testing.T) {
	events := []model.CalendarEvent{event("r1", "visit", "09:00", "10:00")}

	c := Classify(events, at("09:30"))
	assert.Equal(t, []string{"visit"}, ids(c["r1"].Current))
	assert.Empty(t, c["r1"].Upcoming)

	c = Classify(events, at("08:00"))
	assert.Empty(t, c["r1"].Current)
	assert.Equal(t, []string{"visit"}, ids(c["r1"].Upcoming))

	c = Classify(events, at("11:00"))
	assert.Empty(t, c["r1"].Current)
	assert.Empty(t, c["r1"].Upcoming)
}

func TestClassifyBoundaries(t *testing.T) {
	now := at("09:00")
	startsNow := model.CalendarEvent{ID: "starts-now", CalendarID: "r1", Start: now, End: now.Add(time.Hour)}
	endsNow := model.CalendarEvent{ID: "ends-now", CalendarID: "r1", Start: now.Add(-time.Hour), End: now}
	startsSoon := model.CalendarEvent{ID: "starts-soon", CalendarID: "r1", Start: now.Add(time.Millisecond), End: now.Add(time.Hour)}
	endedJustNow := model.CalendarEvent{ID: "ended", CalendarID: "r1", Start: now.Add(-time.Hour), End: now.Add(-time.Millisecond)}

	c := Classify([]model.CalendarEvent{startsNow, endsNow, startsSoon, endedJustNow}, now)

	assert.ElementsMatch(t, []string{"starts-now", "ends-now"}, ids(c["r1"].Current))
	assert.Equal(t, []string{"starts-soon"}, ids(c["r1"].Upcoming))
}

func TestClassifyExclusive(t *testing.T) {
	events := []model.CalendarEvent{
		event("r1", "a", "08:00", "09:00"),
		event("r1", "b", "09:00", "09:30"),
		event("r1", "c", "09:15", "11:00"),
		event("r2", "d", "10:00", "10:00"),
		event("r2", "e", "12:00", "13:00"),
	}
	for _, now := range []time.Time{at("07:00"), at("09:00"), at("09:15"), at("10:00"), at("12:30"), at("23:00")} {
		c := Classify(events, now)
		seen := map[string]int{}
		for _, p := range c {
			for _, e := range p.Current {
				seen[e.Key()]++
			}
			for _, e := range p.Upcoming {
				seen[e.Key()]++
			}
		}
		for k, n := range seen {
			assert.Equal(t, 1, n, "event %s classified %d times at %s", k, n, now)
		}
		for _, e := range events {
			inCurrent := IsCurrent(e, now)
			inUpcoming := IsUpcoming(e, now)
			assert.False(t, inCurrent && inUpcoming)
			if !inCurrent && !inUpcoming {
				assert.Zero(t, seen[e.Key()])
			}
		}
	}
}

func TestClassifyUpcomingStableOnTies(t *testing.T) {
	events := []model.CalendarEvent{
		event("r1", "zeta", "11:00", "12:00"),
		event("r1", "beta", "10:00", "10:30"),
		event("r1", "alpha", "10:00", "11:00"),
		event("r1", "gamma", "10:00", "10:15"),
	}
	c := Classify(events, at("08:00"))
	// no secondary sort by title or id
	assert.Equal(t, []string{"beta", "alpha", "gamma", "zeta"}, ids(c["r1"].Upcoming))
}

func TestClassifyDoesNotMutateInput(t *testing.T) {
	events := []model.CalendarEvent{
		event("r1", "late", "11:00", "12:00"),
		event("r1", "early", "10:00", "10:30"),
	}
	_ = Classify(events, at("08:00"))
	assert.Equal(t, []string{"late", "early"}, ids(events))
}

func TestClassifyBoardSeedsEveryCalendar(t *testing.T) {
	b := &Board{
		Date:   may1,
		Events: []model.CalendarEvent{event("r1", "a", "09:00", "10:00")},
		Calendars: []CalendarStatus{
			{Config: model.CalendarConfig{ID: "r1"}},
			{Config: model.CalendarConfig{ID: "r2"}},
		},
	}
	c := ClassifyBoard(b, at("09:30"))
	require.Contains(t, c, "r2")
	assert.Empty(t, c["r2"].Current)
	assert.Equal(t, []string{"a"}, ids(c["r1"].Current))

	assert.Empty(t, ClassifyBoard(nil, at("09:30")))
}

func BenchmarkClassify(b *testing.B) {
	events := make([]model.CalendarEvent, 0, 400)
	base := at("07:00")
	for cal := 0; cal < 20; cal++ {
		for i := 0; i < 20; i++ {
			s := base.Add(time.Duration(i) * 30 * time.Minute)
			events = append(events, model.CalendarEvent{
				ID: string(rune('a' + i)), CalendarID: string(rune('A' + cal)),
				Start: s, End: s.Add(45 * time.Minute),
			})
		}
	}
	now := at("12:10")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Classify(events, now)
	}
}
