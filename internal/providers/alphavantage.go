package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrStockKeyMissing is returned when no Alpha Vantage key is configured.
var ErrStockKeyMissing = errors.New("Alpha Vantage API key not configured")

// StockQuote is the latest quote for a symbol.
type StockQuote struct {
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"changePercent,omitempty"`
}

type globalQuoteResponse struct {
	Quote       map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
}

// AlphaVantage queries the Alpha Vantage GLOBAL_QUOTE function.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	opts    Options
	cache   *Cache
}

// NewAlphaVantage creates an Alpha Vantage client. baseURL is the API
// origin, e.g. https://www.alphavantage.co.
func NewAlphaVantage(apiKey, baseURL string, opts Options) *AlphaVantage {
	return &AlphaVantage{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		cache:   NewCache("alphavantage", opts.CacheTTL),
	}
}

// Quote returns the latest quote for symbol.
func (c *AlphaVantage) Quote(ctx context.Context, symbol string) (*StockQuote, error) {
	if c.apiKey == "" {
		return nil, ErrStockKeyMissing
	}

	key := strings.ToUpper(strings.TrimSpace(symbol))
	v, err := c.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StockQuote), nil
}

func (c *AlphaVantage) fetch(ctx context.Context, symbol string) (*StockQuote, error) {
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	var body globalQuoteResponse
	if err := getJSON(ctx, c.opts.httpClient(), c.baseURL+"/query?"+q.Encode(), &body); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("Stock API error: %d", se.Code)
		}
		return nil, err
	}

	if len(body.Quote) == 0 {
		if notice := firstNonEmpty(body.Note, body.Information); notice != "" {
			return nil, fmt.Errorf("Alpha Vantage unavailable: %s", notice)
		}
		return nil, fmt.Errorf("Stock symbol %q not found or no data available", symbol)
	}

	price, err := strconv.ParseFloat(body.Quote["05. price"], 64)
	if err != nil {
		return nil, errors.New("Invalid stock price data received")
	}

	quote := &StockQuote{
		Symbol: body.Quote["01. symbol"],
		Price:  price,
	}
	if change, err := strconv.ParseFloat(body.Quote["09. change"], 64); err == nil {
		quote.Change = &change
	}
	pct := strings.TrimSuffix(body.Quote["10. change percent"], "%")
	if changePercent, err := strconv.ParseFloat(pct, 64); err == nil {
		quote.ChangePercent = &changePercent
	}
	return quote, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
