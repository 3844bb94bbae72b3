package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Location is a geolocation fix used to bias recommendations.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Locator produces a one-shot location fix. Callers bound it with a context
// deadline.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// ErrInvalidLocation is returned when a geolocation response carries no
// usable coordinates.
var ErrInvalidLocation = errors.New("invalid location")

// HTTPLocator reads {"lat": ..., "lon": ...} from a geolocation endpoint.
type HTTPLocator struct {
	url        string
	httpClient *http.Client
}

// NewHTTPLocator returns a locator for rawURL. A nil client uses an otelhttp
// transport.
func NewHTTPLocator(rawURL string, hc *http.Client) (*HTTPLocator, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse geolocation url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("parse geolocation url: unsupported scheme %q", parsed.Scheme)
	}
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPLocator{url: rawURL, httpClient: hc}, nil
}

func (l *HTTPLocator) Locate(ctx context.Context) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return Location{}, fmt.Errorf("build geolocation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geolocate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geolocate: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err != nil {
		return Location{}, fmt.Errorf("decode geolocation: %w", err)
	}
	if payload.Lat == nil || payload.Lon == nil {
		return Location{}, fmt.Errorf("decode geolocation: %w: missing coordinates", ErrInvalidLocation)
	}

	loc := Location{Lat: *payload.Lat, Lon: *payload.Lon}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return Location{}, fmt.Errorf("decode geolocation: %w: (%v, %v) out of range", ErrInvalidLocation, loc.Lat, loc.Lon)
	}
	return loc, nil
}
