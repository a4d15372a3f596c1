package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryPassesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/drivers", r.URL.Path)
		assert.Equal(t, "44", r.URL.Query().Get("driver_number"))
		assert.False(t, r.URL.Query().Has("team_name"))
		_, _ = w.Write([]byte(`[{"driver_number":44,"full_name":"Lewis HAMILTON"}]`))
	}))
	defer srv.Close()

	c := NewOpenF1(srv.URL+"/v1", Options{})
	out, err := c.Query(context.Background(), "drivers", map[string]string{"driver_number": "44", "team_name": ""})
	require.NoError(t, err)

	list, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "Lewis HAMILTON", list[0].(map[string]any)["full_name"])
}

func TestQueryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenF1(srv.URL, Options{})
	_, err := c.Query(context.Background(), "sessions", nil)
	require.Error(t, err)
	assert.Equal(t, "OpenF1 API error: 503 - Service Unavailable", err.Error())
}

func TestNextRacePicksFirstUpcomingSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024", r.URL.Query().Get("year"))
		_, _ = w.Write([]byte(`[
			{"meeting_key":2,"session_name":"Race","circuit_short_name":"Jeddah","country_code":"KSA","location":"Jeddah","date_start":"2024-03-09T17:00:00+00:00"},
			{"meeting_key":1,"session_name":"Race","circuit_short_name":"Sakhir","country_code":"BRN","location":"Sakhir","date_start":"2024-03-02T15:00:00+00:00"},
			{"meeting_key":3,"session_name":"Race","circuit_short_name":"Melbourne","country_code":"AUS","location":"Melbourne","date_start":"2024-03-24T04:00:00+00:00"}
		]`))
	}))
	defer srv.Close()

	c := NewOpenF1(srv.URL, Options{})
	c.now = func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) }

	race, err := c.NextRace(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024", race.Season)
	assert.Equal(t, 2, race.Round)
	assert.Equal(t, "Jeddah", race.Circuit)
	assert.Equal(t, "KSA", race.Country)
	assert.Equal(t, "2024-03-09T17:00:00+00:00", race.Date)
	assert.NotNil(t, race.RaceDetails["session"])
}

func TestNextRaceNoSessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewOpenF1(srv.URL, Options{})
	_, err := c.NextRace(context.Background())
	assert.ErrorIs(t, err, ErrNoSessions)
}
