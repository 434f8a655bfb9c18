package towerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %v", cfg.Timeout)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.MaxRetries)
	}
}

func TestGetStateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/state" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"site-1": map[string]interface{}{
				"mains": "on", "siteAlive": true, "batteryPercent": 90,
				"antenna1": map[string]string{"service": "Available"},
				"antenna2": map[string]string{"service": "Available"},
				"alarms":   map[string]bool{},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultClientConfig())
	snap, err := c.GetState(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap["site-1"].Mains != "on" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRetriesOnFailureThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	c := New(srv.URL, cfg)

	start := time.Now()
	_, err := c.GetState(context.Background())
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected at least 1s retry spacing, elapsed %v", elapsed)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExhaustsRetriesAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, ClientConfig{Timeout: time.Second, MaxRetries: 2})
	_, err := c.GetState(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestSetPowerSendsExpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/power" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body struct {
			Sites []string `json:"sites"`
			State string   `json:"state"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.State != "off" || len(body.Sites) != 1 || body.Sites[0] != "site-1" {
			t.Errorf("unexpected body: %+v", body)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultClientConfig())
	if err := c.SetPower(context.Background(), []string{"site-1"}, PowerOff); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
