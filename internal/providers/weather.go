package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// ErrWeatherKeyMissing is returned when no OpenWeather key is configured.
var ErrWeatherKeyMissing = errors.New("OpenWeather API key not configured")

// Weather is the current conditions for a location.
type Weather struct {
	Location    string `json:"location"`
	TempC       int    `json:"tempC"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Humidity    int    `json:"humidity"`
	WindKph     int    `json:"windKph"`
}

type openWeatherResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// OpenWeather queries the OpenWeather current weather API in metric units.
type OpenWeather struct {
	apiKey  string
	baseURL string
	opts    Options
	cache   *Cache
}

// NewOpenWeather creates an OpenWeather client. baseURL is the API origin,
// e.g. https://api.openweathermap.org.
func NewOpenWeather(apiKey, baseURL string, opts Options) *OpenWeather {
	return &OpenWeather{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		cache:   NewCache("openweather", opts.CacheTTL),
	}
}

// CurrentWeather returns current conditions for location.
func (c *OpenWeather) CurrentWeather(ctx context.Context, location string) (*Weather, error) {
	if c.apiKey == "" {
		return nil, ErrWeatherKeyMissing
	}

	key := strings.ToLower(strings.TrimSpace(location))
	v, err := c.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		return c.fetch(ctx, location)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Weather), nil
}

func (c *OpenWeather) fetch(ctx context.Context, location string) (*Weather, error) {
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	var body openWeatherResponse
	err := getJSON(ctx, c.opts.httpClient(), c.baseURL+"/data/2.5/weather?"+q.Encode(), &body)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			switch se.Code {
			case 404:
				return nil, fmt.Errorf("Location %q not found", location)
			case 401:
				return nil, errors.New("Invalid OpenWeather API key")
			}
			return nil, fmt.Errorf("Weather API error: %d", se.Code)
		}
		return nil, err
	}

	w := &Weather{
		Location:    body.Name,
		TempC:       roundHalfUp(body.Main.Temp),
		Description: "Unknown",
		Icon:        "unknown",
		Humidity:    roundHalfUp(body.Main.Humidity),
		WindKph:     roundHalfUp(body.Wind.Speed * 3.6),
	}
	if len(body.Weather) > 0 {
		if body.Weather[0].Description != "" {
			w.Description = body.Weather[0].Description
		}
		if body.Weather[0].Icon != "" {
			w.Icon = body.Weather[0].Icon
		}
	}
	return w, nil
}

// roundHalfUp rounds .5 towards positive infinity.
func roundHalfUp(f float64) int {
	return int(math.Floor(f + 0.5))
}
