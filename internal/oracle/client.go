// Package oracle is a minimal OpenRouteService directions client used to
// fetch a point-to-point driving duration. Failures are always recoverable
// per call; the engine falls back to its internal estimate.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eta-predictor/internal/geo"
)

const (
	defaultBaseURL = "https://api.openrouteservice.org"
	defaultProfile = "driving-car"
	defaultTimeout = 10 * time.Second
)

// ErrNoRoute is returned when the service answered successfully but the
// payload carried no usable route.
var ErrNoRoute = errors.New("oracle: no route in response")

// StatusError is a non-2xx answer from the routing service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("oracle: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	apiKey     string
	profile    string
	httpClient *http.Client
}

// NewClient builds a client for the given API key. baseURL and profile fall
// back to the public OpenRouteService endpoint and the driving profile when
// empty.
func NewClient(apiKey, baseURL, profile string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if profile == "" {
		profile = defaultProfile
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		profile:    profile,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type directionsRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
}

type directionsResponse struct {
	Routes []struct {
		Summary struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"summary"`
	} `json:"routes"`
}

// TravelMinutes requests a route from `from` to `to` and returns the travel
// duration in minutes. No retries are performed.
func (c *Client) TravelMinutes(ctx context.Context, from, to geo.Point) (float64, error) {
	// ORS expects [lon, lat] pairs.
	body, err := json.Marshal(directionsRequest{
		Coordinates: [][]float64{{from.Lon, from.Lat}, {to.Lon, to.Lat}},
	})
	if err != nil {
		return 0, fmt.Errorf("oracle: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v2/directions/%s/json", c.baseURL, c.profile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var dr directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return 0, fmt.Errorf("oracle: decode response: %w", err)
	}
	if len(dr.Routes) == 0 {
		return 0, ErrNoRoute
	}

	return dr.Routes[0].Summary.Duration / 60, nil
}
