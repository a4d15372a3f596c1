package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoSessions is returned when the season has no sessions yet.
var ErrNoSessions = errors.New("No F1 sessions found for current year")

// RaceSummary is the overview returned for general F1 questions.
type RaceSummary struct {
	Season      string         `json:"season"`
	Round       int            `json:"round"`
	RaceName    string         `json:"raceName"`
	Circuit     string         `json:"circuit"`
	Country     string         `json:"country"`
	Date        string         `json:"date"`
	Time        string         `json:"time,omitempty"`
	Location    string         `json:"location"`
	RaceDetails map[string]any `json:"raceDetails"`
}

// OpenF1 queries https://api.openf1.org/v1.
type OpenF1 struct {
	baseURL string
	opts    Options
	cache   *Cache
	now     func() time.Time
}

// NewOpenF1 creates an OpenF1 client.
func NewOpenF1(baseURL string, opts Options) *OpenF1 {
	return &OpenF1{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		cache:   NewCache("openf1", opts.CacheTTL),
		now:     time.Now,
	}
}

// Query fetches an OpenF1 endpoint such as "drivers" or "sessions" with the
// given filters and returns the decoded JSON.
func (c *OpenF1) Query(ctx context.Context, endpoint string, params map[string]string) (any, error) {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u := c.baseURL + "/" + url.PathEscape(endpoint)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return c.cache.Get(ctx, u, func(ctx context.Context) (any, error) {
		var out any
		if err := getJSON(ctx, c.opts.httpClient(), u, &out); err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				return nil, fmt.Errorf("OpenF1 API error: %d - %s", se.Code, se.Status)
			}
			return nil, err
		}
		return out, nil
	})
}

// NextRace summarizes the first session of the current season that has not
// started yet, or the latest one once the season is over.
func (c *OpenF1) NextRace(ctx context.Context) (*RaceSummary, error) {
	year := c.now().Year()
	raw, err := c.Query(ctx, "sessions", map[string]string{"year": strconv.Itoa(year)})
	if err != nil {
		return nil, err
	}

	items, _ := raw.([]any)
	sessions := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if s, ok := item.(map[string]any); ok {
			sessions = append(sessions, s)
		}
	}
	if len(sessions) == 0 {
		return nil, ErrNoSessions
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessionStart(sessions[i]).Before(sessionStart(sessions[j]))
	})

	now := c.now()
	pick := len(sessions) - 1
	for i, s := range sessions {
		if !sessionStart(s).Before(now) {
			pick = i
			break
		}
	}
	next := sessions[pick]

	return &RaceSummary{
		Season:      strconv.Itoa(year),
		Round:       meetingRound(sessions[:pick+1]),
		RaceName:    stringField(next, "session_name", "Unknown Session"),
		Circuit:     stringField(next, "circuit_short_name", "Unknown Circuit"),
		Country:     stringField(next, "country_code", "Unknown Country"),
		Date:        stringField(next, "date_start", "Unknown Date"),
		Time:        stringField(next, "date_start", ""),
		Location:    stringField(next, "location", "Unknown Location"),
		RaceDetails: map[string]any{"session": next},
	}, nil
}

func sessionStart(s map[string]any) time.Time {
	v, _ := s["date_start"].(string)
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// meetingRound counts distinct meetings in chronologically ordered sessions.
func meetingRound(sessions []map[string]any) int {
	seen := make(map[string]struct{})
	for _, s := range sessions {
		seen[fmt.Sprint(s["meeting_key"])] = struct{}{}
	}
	if len(seen) == 0 {
		return 1
	}
	return len(seen)
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
