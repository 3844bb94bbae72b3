// Package config loads signcast configuration from environment variables.
//
// Required variables:
//   - SIGNCAST_API_URL: base URL of the rule service, e.g.
//     "http://127.0.0.1:8000/api/v1".
//
// Playback variables:
//   - STORE_ID, SIGN_ID: select store mode when either is set; otherwise the
//     player runs in city mode.
//   - CITY (default "Adelaide"), TARGET_ID: city-mode query.
//   - GEOLOCATE (default "false"): bias recommendations with a fix from
//     GEO_URL, which is then required. GEO_TIMEOUT bounds the lookup
//     (default "10s").
//   - STORE_POLL_INTERVAL ("2s"), CITY_REFRESH_INTERVAL ("5m"),
//     SLIDE_INTERVAL ("8s"), FADE_SETTLE ("500ms"), FADE_IN_DELAY ("100ms"),
//     FETCH_TIMEOUT ("10s"): durations, must be > 0 if set.
//   - RECOMMENDATION_LIMIT (default "10", at most 20).
//
// Dashboard variables:
//   - DASHBOARD_STORE_ID (default "store_001"), WEATHER_POLL_INTERVAL ("30s").
//
// Server variables:
//   - DATABASE_URL: PostgreSQL connection string. Empty disables the media
//     cache and the play log.
//   - MEDIA_NOTIFY_CHANNEL ("media_cache_events"): LISTEN/NOTIFY channel for
//     media cache invalidation. Players sharing a database must agree on it.
//   - HTTP_ADDR (":8080"), GRPC_ADDR (":9090"), LOG_LEVEL ("info").
//   - CONTROL_TOKEN_HASH: bcrypt hash guarding /v1/. Empty leaves it open.
//   - AUTH_RATE_LIMIT (default "10"): failed auth attempts per minute per IP.
//   - STATUS_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR ("tsnet-state"): optional
//     tailnet listener. TS_AUTH_KEY is required with STATUS_HOSTNAME.
//   - BREAKER_FAILURES ("5"), BREAKER_TIMEOUT ("30s"): circuit breaker.
//   - MEDIA_CACHE_TTL ("168h"), PLAY_RETENTION ("720h"), PRUNE_INTERVAL
//     ("1h"): database retention.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultGRPCAddr            = ":9090"
	defaultTSStateDir          = "tsnet-state"
	defaultMediaNotifyChannel  = "media_cache_events"
	defaultAuthRateLimit       = 10
	defaultCity                = "Adelaide"
	defaultDashboardStoreID    = "store_001"
	defaultGeoTimeout          = 10 * time.Second
	defaultStorePollInterval   = 2 * time.Second
	defaultWeatherPollInterval = 30 * time.Second
	defaultCityRefreshInterval = 5 * time.Minute
	defaultSlideInterval       = 8 * time.Second
	defaultFadeSettle          = 500 * time.Millisecond
	defaultFadeInDelay         = 100 * time.Millisecond
	defaultFetchTimeout        = 10 * time.Second
	defaultRecommendationLimit = 10
	maxRecommendationLimit     = 20
	defaultBreakerFailures     = 5
	defaultBreakerTimeout      = 30 * time.Second
	defaultMediaCacheTTL       = 7 * 24 * time.Hour
	defaultPlayRetention       = 30 * 24 * time.Hour
	defaultPruneInterval       = time.Hour
)

// Config holds the runtime configuration for signcast.
type Config struct {
	APIURL string

	StoreID   string
	SignID    string
	City      string
	TargetID  string
	Geolocate bool
	GeoURL    string

	DashboardStoreID string

	GeoTimeout          time.Duration
	StorePollInterval   time.Duration
	WeatherPollInterval time.Duration
	CityRefreshInterval time.Duration
	SlideInterval       time.Duration
	FadeSettle          time.Duration
	FadeInDelay         time.Duration
	FetchTimeout        time.Duration
	RecommendationLimit int

	DatabaseURL        string
	MediaNotifyChannel string
	HTTPAddr           string
	GRPCAddr           string
	LogLevel           string
	ControlTokenHash   string
	AuthRateLimit      int
	StatusHostname     string
	TSAuthKey          string
	TSStateDir         string

	BreakerFailures int
	BreakerTimeout  time.Duration

	MediaCacheTTL time.Duration
	PlayRetention time.Duration
	PruneInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	apiURL := strings.TrimSpace(os.Getenv("SIGNCAST_API_URL"))
	if apiURL == "" {
		return Config{}, errors.New("SIGNCAST_API_URL is required")
	}
	if err := validateHTTPURL(apiURL); err != nil {
		return Config{}, fmt.Errorf("parse SIGNCAST_API_URL: %w", err)
	}

	geolocate := false
	if value := strings.TrimSpace(os.Getenv("GEOLOCATE")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GEOLOCATE: %w", err)
		}
		geolocate = parsed
	}
	geoURL := strings.TrimSpace(os.Getenv("GEO_URL"))
	if geolocate && geoURL == "" {
		return Config{}, errors.New("GEO_URL is required when GEOLOCATE is true")
	}
	if geoURL != "" {
		if err := validateHTTPURL(geoURL); err != nil {
			return Config{}, fmt.Errorf("parse GEO_URL: %w", err)
		}
	}

	cfg := Config{
		APIURL:             apiURL,
		StoreID:            strings.TrimSpace(os.Getenv("STORE_ID")),
		SignID:             strings.TrimSpace(os.Getenv("SIGN_ID")),
		City:               envOrDefault("CITY", defaultCity),
		TargetID:           strings.TrimSpace(os.Getenv("TARGET_ID")),
		Geolocate:          geolocate,
		GeoURL:             geoURL,
		DashboardStoreID:   envOrDefault("DASHBOARD_STORE_ID", defaultDashboardStoreID),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MediaNotifyChannel: envOrDefault("MEDIA_NOTIFY_CHANNEL", defaultMediaNotifyChannel),
		HTTPAddr:           envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:           envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		ControlTokenHash:   strings.TrimSpace(os.Getenv("CONTROL_TOKEN_HASH")),
		StatusHostname:     strings.TrimSpace(os.Getenv("STATUS_HOSTNAME")),
		TSAuthKey:          os.Getenv("TS_AUTH_KEY"),
		TSStateDir:         envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}

	if cfg.StatusHostname != "" && strings.TrimSpace(cfg.TSAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when STATUS_HOSTNAME is set")
	}
	if cfg.ControlTokenHash != "" && !strings.HasPrefix(cfg.ControlTokenHash, "$2") {
		return Config{}, errors.New("CONTROL_TOKEN_HASH must be a bcrypt hash")
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"GEO_TIMEOUT", defaultGeoTimeout, &cfg.GeoTimeout},
		{"STORE_POLL_INTERVAL", defaultStorePollInterval, &cfg.StorePollInterval},
		{"WEATHER_POLL_INTERVAL", defaultWeatherPollInterval, &cfg.WeatherPollInterval},
		{"CITY_REFRESH_INTERVAL", defaultCityRefreshInterval, &cfg.CityRefreshInterval},
		{"SLIDE_INTERVAL", defaultSlideInterval, &cfg.SlideInterval},
		{"FADE_SETTLE", defaultFadeSettle, &cfg.FadeSettle},
		{"FADE_IN_DELAY", defaultFadeInDelay, &cfg.FadeInDelay},
		{"FETCH_TIMEOUT", defaultFetchTimeout, &cfg.FetchTimeout},
		{"BREAKER_TIMEOUT", defaultBreakerTimeout, &cfg.BreakerTimeout},
		{"MEDIA_CACHE_TTL", defaultMediaCacheTTL, &cfg.MediaCacheTTL},
		{"PLAY_RETENTION", defaultPlayRetention, &cfg.PlayRetention},
		{"PRUNE_INTERVAL", defaultPruneInterval, &cfg.PruneInterval},
	}
	for _, d := range durations {
		parsed, err := positiveDuration(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"RECOMMENDATION_LIMIT", defaultRecommendationLimit, &cfg.RecommendationLimit},
		{"AUTH_RATE_LIMIT", defaultAuthRateLimit, &cfg.AuthRateLimit},
		{"BREAKER_FAILURES", defaultBreakerFailures, &cfg.BreakerFailures},
	}
	for _, n := range ints {
		parsed, err := positiveInt(n.key, n.def)
		if err != nil {
			return Config{}, err
		}
		*n.dst = parsed
	}
	if cfg.RecommendationLimit > maxRecommendationLimit {
		return Config{}, fmt.Errorf("RECOMMENDATION_LIMIT must be <= %d", maxRecommendationLimit)
	}

	return cfg, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
