package tools

import (
	"context"
	"errors"
	"strconv"

	"github.com/capitalize-ai/tool-gateway/internal/model"
	"github.com/capitalize-ai/tool-gateway/internal/providers"
)

// Tool names exposed to the model.
const (
	GetWeather          = "getWeather"
	GetF1Matches        = "getF1Matches"
	GetF1Drivers        = "getF1Drivers"
	GetF1Sessions       = "getF1Sessions"
	GetF1SessionResults = "getF1SessionResults"
	GetStockPrice       = "getStockPrice"
)

// WeatherSource provides current weather.
type WeatherSource interface {
	CurrentWeather(ctx context.Context, location string) (*providers.Weather, error)
}

// F1Source provides Formula 1 data.
type F1Source interface {
	Query(ctx context.Context, endpoint string, params map[string]string) (any, error)
	NextRace(ctx context.Context) (*providers.RaceSummary, error)
}

// StockSource provides stock quotes.
type StockSource interface {
	Quote(ctx context.Context, symbol string) (*providers.StockQuote, error)
}

// Sources are the upstream clients behind the catalog.
type Sources struct {
	Weather WeatherSource
	F1      F1Source
	Stocks  StockSource
}

// WeatherInput is the input of getWeather.
type WeatherInput struct {
	Location string `json:"location" jsonschema:"minLength=1" jsonschema_description:"City name or location identifier, e.g. Pune or New York"`
}

// F1MatchesInput is the input of getF1Matches.
type F1MatchesInput struct {
	Type string `json:"type,omitempty" jsonschema:"enum=races,enum=season,enum=all" jsonschema_description:"Kind of F1 data to fetch. Defaults to all."`
}

// F1DriversInput is the input of getF1Drivers.
type F1DriversInput struct {
	DriverNumber *int   `json:"driver_number,omitempty" jsonschema_description:"Driver number, e.g. 44 for Hamilton or 1 for Verstappen"`
	SessionKey   string `json:"session_key,omitempty" jsonschema_description:"Session key to list drivers of one session"`
	MeetingKey   string `json:"meeting_key,omitempty" jsonschema_description:"Meeting key to list drivers of one race weekend"`
	TeamName     string `json:"team_name,omitempty" jsonschema_description:"Team name filter, e.g. Red Bull Racing"`
	CountryCode  string `json:"country_code,omitempty" jsonschema_description:"Driver country code filter, e.g. GBR"`
}

// F1SessionsInput is the input of getF1Sessions.
type F1SessionsInput struct {
	Year        *int   `json:"year,omitempty" jsonschema_description:"Season year, e.g. 2024"`
	MeetingKey  string `json:"meeting_key,omitempty" jsonschema_description:"Meeting key of a race weekend"`
	SessionName string `json:"session_name,omitempty" jsonschema_description:"Session name, e.g. Practice 1, Qualifying, Race or Sprint"`
	SessionType string `json:"session_type,omitempty" jsonschema_description:"Session type, e.g. Practice, Qualifying or Race"`
	CountryName string `json:"country_name,omitempty" jsonschema_description:"Country name, e.g. Belgium"`
	CountryCode string `json:"country_code,omitempty" jsonschema_description:"Country code, e.g. BEL"`
	DateStart   string `json:"date_start,omitempty" jsonschema_description:"Range start date (YYYY-MM-DD)"`
	DateEnd     string `json:"date_end,omitempty" jsonschema_description:"Range end date (YYYY-MM-DD)"`
}

// F1SessionResultsInput is the input of getF1SessionResults.
type F1SessionResultsInput struct {
	SessionKey   string `json:"session_key" jsonschema:"minLength=1" jsonschema_description:"Session key, usually taken from getF1Sessions"`
	Position     *int   `json:"position,omitempty" jsonschema_description:"Finishing position filter, e.g. 1 for the winner"`
	DriverNumber *int   `json:"driver_number,omitempty" jsonschema_description:"Driver number filter"`
	MeetingKey   string `json:"meeting_key,omitempty" jsonschema_description:"Meeting key of a race weekend"`
}

// StockInput is the input of getStockPrice.
type StockInput struct {
	Symbol string `json:"symbol" jsonschema:"minLength=1" jsonschema_description:"Ticker symbol, e.g. AAPL or MSFT"`
}

// F1Payload wraps raw OpenF1 data with the query that produced it.
type F1Payload struct {
	Type   string `json:"type"`
	Data   any    `json:"data"`
	Params any    `json:"params"`
}

var errSourceMissing = errors.New("data source not configured")

// RegisterCatalog declares the weather, Formula 1 and stock tools.
func RegisterCatalog(r *Registry, src Sources) error {
	decls := []func() error{
		func() error {
			return DeclareFunc(r, GetWeather,
				"You MUST use this tool for ANY weather question: temperature, humidity, wind, conditions or climate at a location. Never answer weather questions without calling it first.",
				model.CategoryWeather,
				func(ctx context.Context, in WeatherInput) (any, error) {
					if src.Weather == nil {
						return nil, errSourceMissing
					}
					return src.Weather.CurrentWeather(ctx, in.Location)
				})
		},
		func() error {
			return DeclareFunc(r, GetF1Matches,
				"You MUST use this tool for ANY general Formula 1 question about races, Grand Prix weekends or the schedule. Returns the upcoming race and current season information.",
				model.CategoryF1,
				func(ctx context.Context, _ F1MatchesInput) (any, error) {
					if src.F1 == nil {
						return nil, errSourceMissing
					}
					return src.F1.NextRace(ctx)
				})
		},
		func() error {
			return DeclareFunc(r, GetF1Drivers,
				"Fetch F1 driver information such as number, team and country, for one driver or every driver of a session.",
				model.CategoryF1,
				func(ctx context.Context, in F1DriversInput) (any, error) {
					params := map[string]string{
						"driver_number": optInt(in.DriverNumber),
						"session_key":   in.SessionKey,
						"meeting_key":   in.MeetingKey,
						"team_name":     in.TeamName,
						"country_code":  in.CountryCode,
					}
					return queryF1(ctx, src.F1, "drivers", "drivers", in, params)
				})
		},
		func() error {
			return DeclareFunc(r, GetF1Sessions,
				"Fetch F1 sessions (practice, qualifying, sprint and race) for schedules, session details and calendar questions.",
				model.CategoryF1,
				func(ctx context.Context, in F1SessionsInput) (any, error) {
					params := map[string]string{
						"year":         optInt(in.Year),
						"meeting_key":  in.MeetingKey,
						"session_name": in.SessionName,
						"session_type": in.SessionType,
						"country_name": in.CountryName,
						"country_code": in.CountryCode,
						"date_start":   in.DateStart,
						"date_end":     in.DateEnd,
					}
					return queryF1(ctx, src.F1, "sessions", "sessions", in, params)
				})
		},
		func() error {
			return DeclareFunc(r, GetF1SessionResults,
				"Fetch F1 session results: finishing positions and driver performance for a race or qualifying session. Needs a session_key from getF1Sessions.",
				model.CategoryF1,
				func(ctx context.Context, in F1SessionResultsInput) (any, error) {
					params := map[string]string{
						"session_key":   in.SessionKey,
						"position":      optInt(in.Position),
						"driver_number": optInt(in.DriverNumber),
						"meeting_key":   in.MeetingKey,
					}
					return queryF1(ctx, src.F1, "session_result", "session_results", in, params)
				})
		},
		func() error {
			return DeclareFunc(r, GetStockPrice,
				"You MUST use this tool for ANY stock or market question: share prices, company stocks or investments. Never answer stock questions without calling it first.",
				model.CategoryStock,
				func(ctx context.Context, in StockInput) (any, error) {
					if src.Stocks == nil {
						return nil, errSourceMissing
					}
					return src.Stocks.Quote(ctx, in.Symbol)
				})
		},
	}

	for _, declare := range decls {
		if err := declare(); err != nil {
			return err
		}
	}
	return nil
}

func queryF1(ctx context.Context, src F1Source, endpoint, kind string, in any, params map[string]string) (any, error) {
	if src == nil {
		return nil, errSourceMissing
	}
	data, err := src.Query(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return F1Payload{Type: kind, Data: data, Params: in}, nil
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
