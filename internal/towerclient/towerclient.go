// Package towerclient is the HTTP client for the external tower simulator
// (spec.md §6). Only the documented operations are exposed; the simulator
// itself is an external collaborator, out of core scope.
package towerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

// ClientConfig tunes the underlying http.Client and its transport. The
// bridge polls GetState every 5s indefinitely, so connection reuse via
// MaxIdleConns/IdleConnTimeout matters more here than for a one-shot caller.
type ClientConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultClientConfig returns the tuning spec.md §6 requires: a 3s
// per-request timeout and up to 2 retries at 1s spacing.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         3 * time.Second,
		MaxRetries:      2,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client talks to the tower simulator's documented HTTP interface.
type Client struct {
	baseURL string
	cfg     ClientConfig
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. http://localhost:8080).
func New(baseURL string, cfg ClientConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}
	return &Client{
		baseURL: baseURL,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// PowerState is the commanded power state for a set of sites.
type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// RRUState is the commanded radio state for one antenna at one site.
type RRUState string

const (
	RRUOn  RRUState = "on"
	RRUOff RRUState = "off"
)

// GetState fetches the full fleet snapshot.
func (c *Client) GetState(ctx context.Context) (events.Snapshot, error) {
	var snap events.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/state", nil, &snap)
	if err != nil {
		return nil, fmt.Errorf("towerclient: GetState: %w", err)
	}
	return snap, nil
}

// SetPower commands mains power for the given sites.
func (c *Client) SetPower(ctx context.Context, sites []string, state PowerState) error {
	body := struct {
		Sites []string   `json:"sites"`
		State PowerState `json:"state"`
	}{Sites: sites, State: state}
	if err := c.doJSON(ctx, http.MethodPost, "/power", body, nil); err != nil {
		return fmt.Errorf("towerclient: SetPower: %w", err)
	}
	return nil
}

// SetRRU commands one antenna's radio state at one site.
func (c *Client) SetRRU(ctx context.Context, site, antenna string, state RRUState) error {
	body := struct {
		Site    string   `json:"site"`
		Antenna string   `json:"antenna"`
		State   RRUState `json:"state"`
	}{Site: site, Antenna: antenna, State: state}
	if err := c.doJSON(ctx, http.MethodPost, "/rru", body, nil); err != nil {
		return fmt.Errorf("towerclient: SetRRU: %w", err)
	}
	return nil
}

// SetScenario is a tooling-only hook for driving the simulator into a
// predetermined fault scenario (spec.md §6), used by demos and tests, not
// by production orchestration paths.
func (c *Client) SetScenario(ctx context.Context, site, mode, crqID string) error {
	body := struct {
		Site  string `json:"site"`
		Mode  string `json:"mode"`
		CRQID string `json:"crqId"`
	}{Site: site, Mode: mode, CRQID: crqID}
	if err := c.doJSON(ctx, http.MethodPost, "/scenario", body, nil); err != nil {
		return fmt.Errorf("towerclient: SetScenario: %w", err)
	}
	return nil
}

// doJSON issues one request, retrying up to cfg.MaxRetries times at 1s
// spacing on transport errors or non-2xx responses.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respOut interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		err := c.attempt(ctx, method, path, reqBody, respOut)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, reqBody, respOut interface{}) error {
	var reader *bytes.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
	}

	if respOut != nil {
		if err := json.NewDecoder(resp.Body).Decode(respOut); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
