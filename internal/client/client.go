// Package client provides an HTTP client for the rule, context, media and
// recommendation endpoints the signage engine consumes.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/signcast/internal/core"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Config holds configuration for the client.
type Config struct {
	// BaseURL is the base URL of the rule service, e.g. "http://localhost:8000".
	BaseURL string
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
	// Breaker configures the circuit breaker wrapping every request.
	Breaker BreakerConfig
	// Observe, when set, is called once per request with the endpoint name,
	// the elapsed time and the request error.
	Observe func(endpoint string, elapsed time.Duration, err error)
}

// Client talks to the rule service. It is safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	breaker    *breaker
}

// New returns a client for the rule service.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: hc,
		breaker:    newBreaker(cfg.Breaker),
	}, nil
}

// -- wire types --------------------------------------------------------------

// RuleSet is a store's rule list together with the context the rule service
// evaluated it against. Context is nil when the service omitted it.
type RuleSet struct {
	Rules   []core.Rule   `json:"rules"`
	Context *core.Context `json:"context,omitempty"`
}

// Venue is a nearby store returned with recommendations.
type Venue struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Type      string   `json:"type"`
	Photos    []string `json:"photos"`
}

// Recommendations is the city-mode payload.
type Recommendations struct {
	Weather       string   `json:"weather"`
	TempC         *float64 `json:"temp_c"`
	Region        string   `json:"region"`
	City          string   `json:"city"`
	TargetID      string   `json:"target_id"`
	CategoryLabel string   `json:"category_label"`
	Message       string   `json:"message"`
	PushMessage   string   `json:"push_message"`
	Stores        []Venue  `json:"stores"`
}

// RecommendationQuery selects recommendations. Lat and Lon are only sent when
// both are set.
type RecommendationQuery struct {
	Limit    int
	City     string
	Lat      *float64
	Lon      *float64
	TargetID string
}

// CheckResult is the rule service's response to a manual re-evaluation.
type CheckResult struct {
	Status          string `json:"status"`
	CurrentPlaylist string `json:"current_playlist"`
	CurrentWeather  string `json:"current_weather"`
}

// -- helpers -----------------------------------------------------------------

// APIError is returned when the rule service responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values) (data []byte, err error) {
	start := time.Now()
	defer func() {
		if c.cfg.Observe != nil {
			c.cfg.Observe(endpoint, time.Since(start), err)
		}
	}()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.breaker.execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, fmt.Errorf("client: create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("client: http: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("client: read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return raw, nil
	})
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	data, err := c.do(ctx, endpoint, http.MethodGet, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", endpoint, err)
	}
	return nil
}

func storePath(storeID string, rest ...string) string {
	parts := append([]string{"/stores", url.PathEscape(storeID)}, rest...)
	return strings.Join(parts, "/")
}

// decodeRuleSet accepts either a bare rule array or an object carrying
// rules and the evaluation context.
func decodeRuleSet(data []byte) (RuleSet, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rules []core.Rule
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return RuleSet{}, fmt.Errorf("client: decode rules: %w", err)
		}
		return RuleSet{Rules: nonNilRules(rules)}, nil
	}

	var set RuleSet
	if err := json.Unmarshal(trimmed, &set); err != nil {
		return RuleSet{}, fmt.Errorf("client: decode rules: %w", err)
	}
	set.Rules = nonNilRules(set.Rules)
	return set, nil
}

func nonNilRules(rules []core.Rule) []core.Rule {
	if rules == nil {
		return []core.Rule{}
	}
	return rules
}

// -- endpoints ---------------------------------------------------------------

// ListRules fetches a store's rules. When city is non-empty the rule service
// evaluates them against that city's context.
func (c *Client) ListRules(ctx context.Context, storeID, city string) (RuleSet, error) {
	var query url.Values
	if city != "" {
		query = url.Values{"city": {city}}
	}
	data, err := c.do(ctx, "rules", http.MethodGet, storePath(storeID, "rules"), query)
	if err != nil {
		return RuleSet{}, err
	}
	return decodeRuleSet(data)
}

// Weather fetches the global context snapshot.
func (c *Client) Weather(ctx context.Context) (core.Context, error) {
	var out core.Context
	if err := c.getJSON(ctx, "weather", "/weather", nil, &out); err != nil {
		return core.Context{}, err
	}
	return out, nil
}

// CurrentContent fetches the content id currently selected for a store or
// sign. An empty id means nothing is selected.
func (c *Client) CurrentContent(ctx context.Context, storeID string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.getJSON(ctx, "current_content", storePath(storeID, "current-content"), nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Content), nil
}

// MediaURL resolves the image URL for a target in a store.
func (c *Client) MediaURL(ctx context.Context, storeID, targetID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "media", storePath(storeID, "media", url.PathEscape(targetID)), nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.URL), nil
}

// Recommendations fetches city-mode recommendations.
func (c *Client) Recommendations(ctx context.Context, q RecommendationQuery) (Recommendations, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.City != "" {
		query.Set("city", q.City)
	}
	if q.Lat != nil && q.Lon != nil {
		query.Set("lat", strconv.FormatFloat(*q.Lat, 'f', -1, 64))
		query.Set("lon", strconv.FormatFloat(*q.Lon, 'f', -1, 64))
	}
	if q.TargetID != "" {
		query.Set("target_id", q.TargetID)
	}

	var out Recommendations
	if err := c.getJSON(ctx, "recommendations", "/recommendations", query, &out); err != nil {
		return Recommendations{}, err
	}
	return out, nil
}

// CheckRules asks the rule service to re-evaluate a store's rules now.
func (c *Client) CheckRules(ctx context.Context, storeID string) (CheckResult, error) {
	data, err := c.do(ctx, "check_rules", http.MethodPost, storePath(storeID, "check-rules"), nil)
	if err != nil {
		return CheckResult{}, err
	}
	var out CheckResult
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return CheckResult{}, fmt.Errorf("client: decode check_rules response: %w", err)
	}
	return out, nil
}

// SignStore resolves the store a sign is installed in.
func (c *Client) SignStore(ctx context.Context, signID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.getJSON(ctx, "sign_store", "/signs/"+url.PathEscape(signID)+"/store", nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{StatusCode: http.StatusNotFound, Message: "sign has no store"}
	}
	return out.ID, nil
}
