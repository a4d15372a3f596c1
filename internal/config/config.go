// Package config provides environment configuration for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	LLMProvider     string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	LLMModel        string
	LLMMaxTokens    int
	LLMMaxSteps     int

	// Per-identity rate limiting
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	RateLimitMaxIdentities int
	RateLimitSweepInterval time.Duration

	// Per-IP flood guard
	IPRateLimitRequests int
	IPRateLimitWindow   time.Duration

	// Tools
	ToolTimeout      time.Duration
	MaxParallelTools int

	// Data providers
	OpenWeatherAPIKey   string
	OpenWeatherBaseURL  string
	AlphaVantageAPIKey  string
	AlphaVantageBaseURL string
	OpenF1BaseURL       string
	ProviderCacheTTL    time.Duration
	ProviderHTTPTimeout time.Duration

	// NATS turn events
	TurnEventsEnabled bool
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint    string
	TracingEnabled     bool
	TracingSampleRatio float64
}

// Load reads configuration from the optional YAML file named by CONFIG_FILE
// and then from environment variables, which take precedence.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return src.load(), nil
}

func (s source) load() *Config {
	return &Config{
		// Server
		ServerPort:         s.getEnv("PORT", "8080"),
		ServerReadTimeout:  s.getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: s.getDurationEnv("SERVER_WRITE_TIMEOUT", 5*time.Minute),
		AllowedOrigins:     s.getListEnv("ALLOWED_ORIGINS", []string{"*"}),

		// JWT
		JWTSecret:     s.getEnv("JWT_SECRET", ""),
		JWTExpiration: s.getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		LLMProvider:     s.getEnv("LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey: s.getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    s.getEnv("OPENAI_API_KEY", ""),
		LLMModel:        s.getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    s.getIntEnv("LLM_MAX_TOKENS", 2048),
		LLMMaxSteps:     s.getIntEnv("LLM_MAX_STEPS", 5),

		// Rate limiting
		RateLimitRequests:      s.getIntEnv("RATE_LIMIT_REQUESTS", 20),
		RateLimitWindow:        s.getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMaxIdentities: s.getIntEnv("RATE_LIMIT_MAX_IDENTITIES", 100000),
		RateLimitSweepInterval: s.getDurationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),

		IPRateLimitRequests: s.getIntEnv("IP_RATE_LIMIT_REQUESTS", 120),
		IPRateLimitWindow:   s.getDurationEnv("IP_RATE_LIMIT_WINDOW", time.Minute),

		// Tools
		ToolTimeout:      s.getDurationEnv("TOOL_TIMEOUT", 15*time.Second),
		MaxParallelTools: s.getIntEnv("MAX_PARALLEL_TOOLS", 4),

		// Providers
		OpenWeatherAPIKey:   s.getEnv("OPENWEATHER_API_KEY", ""),
		OpenWeatherBaseURL:  s.getEnv("OPENWEATHER_BASE_URL", "https://api.openweathermap.org"),
		AlphaVantageAPIKey:  s.getEnv("ALPHAVANTAGE_API_KEY", ""),
		AlphaVantageBaseURL: s.getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co"),
		OpenF1BaseURL:       s.getEnv("OPENF1_BASE_URL", "https://api.openf1.org/v1"),
		ProviderCacheTTL:    s.getDurationEnv("PROVIDER_CACHE_TTL", 5*time.Minute),
		ProviderHTTPTimeout: s.getDurationEnv("PROVIDER_HTTP_TIMEOUT", 10*time.Second),

		// NATS
		TurnEventsEnabled: s.getBoolEnv("TURN_EVENTS_ENABLED", false),
		NATSURL:           s.getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:        s.getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      s.getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       s.getEnv("NATS_KEY_FILE", ""),
		NATSToken:         s.getEnv("NATS_TOKEN", ""),

		// Logging
		LogLevel: s.getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint:    s.getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:     s.getBoolEnv("TRACING_ENABLED", false),
		TracingSampleRatio: s.getFloatEnv("TRACING_SAMPLE_RATIO", 1.0),
	}
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SWEEP_INTERVAL must be positive, got %s", c.RateLimitSweepInterval))
	}
	if c.IPRateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("IP_RATE_LIMIT_REQUESTS must be positive, got %d", c.IPRateLimitRequests))
	}
	if c.IPRateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("IP_RATE_LIMIT_WINDOW must be positive, got %s", c.IPRateLimitWindow))
	}
	if c.TracingSampleRatio <= 0 || c.TracingSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO must be in (0, 1], got %g", c.TracingSampleRatio))
	}
	if c.LLMMaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_STEPS must be positive, got %d", c.LLMMaxSteps))
	}
	if c.MaxParallelTools <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_TOOLS must be positive, got %d", c.MaxParallelTools))
	}
	switch c.LLMProvider {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be anthropic or openai, got %q", c.LLMProvider))
	}
	return errors.Join(errs...)
}

// LLMAPIKey returns the key for the selected provider.
func (c *Config) LLMAPIKey() string {
	if c.LLMProvider == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

// source resolves keys from the environment first, then the config file.
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (s source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s source) getEnv(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s source) getIntEnv(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getBoolEnv(key string, defaultValue bool) bool {
	if value, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s source) getFloatEnv(key string, defaultValue float64) float64 {
	if value, ok := s.lookup(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (s source) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (s source) getListEnv(key string, defaultValue []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
