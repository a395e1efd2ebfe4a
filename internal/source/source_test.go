package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicboard/internal/model"
)

func TestRouterDispatchesByProvider(t *testing.T) {
	r := NewRouter()
	calls := map[string]int{}
	r.Register(model.ProviderICS, SourceFunc(func(context.Context, Request) ([]model.RawEvent, error) {
		calls[model.ProviderICS]++
		return nil, nil
	}))
	r.Register(model.ProviderGoogle, SourceFunc(func(context.Context, Request) ([]model.RawEvent, error) {
		calls[model.ProviderGoogle]++
		return nil, nil
	}))
	assert.Equal(t, []string{model.ProviderGoogle, model.ProviderICS}, r.Providers())

	src, err := r.For(model.CalendarConfig{ID: "sala", Provider: model.ProviderICS})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls[model.ProviderICS])
	assert.Zero(t, calls[model.ProviderGoogle])
}

func TestRouterUnknownProvider(t *testing.T) {
	r := NewRouter()
	_, err := r.For(model.CalendarConfig{ID: "sala", Provider: "exchange"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorContains(t, err, "sala")

	r.Register("exchange", SourceFunc(func(context.Context, Request) ([]model.RawEvent, error) { return nil, nil }))
	r.Register("exchange", nil)
	_, err = r.For(model.CalendarConfig{ID: "sala", Provider: "exchange"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRequestWindowCoversLocalDay(t *testing.T) {
	bogota, err := time.LoadLocation("America/Bogota")
	require.NoError(t, err)
	d, err := model.ParseDate("2024-05-01")
	require.NoError(t, err)

	start, end := Request{Date: d, Location: bogota}.Window()
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, bogota), start)
	assert.Equal(t, time.Date(2024, 5, 1, 23, 59, 59, 0, bogota), end)
}
