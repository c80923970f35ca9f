// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/soothill/solar-energy-hub/pkg/interfaces"
)

// stubStore overrides Health; nothing else is called by the handlers.
type stubStore struct {
	interfaces.TelemetryStore
	healthErr error
}

func (s *stubStore) Health(ctx context.Context) error { return s.healthErr }

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthCheckHandler() status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "OK" {
		t.Errorf("healthCheckHandler() body = %q, want OK", w.Body.String())
	}
}

func TestReadinessCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	readinessCheckHandler(w, req, &stubStore{})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "READY" {
		t.Errorf("body = %q, want READY", w.Body.String())
	}
}

func TestReadinessCheckHandlerUnhealthyStore(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	readinessCheckHandler(w, req, &stubStore{healthErr: context.DeadlineExceeded})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddlewareExceedLimit(t *testing.T) {
	limiter := rate.NewLimiter(1, 1)
	handler := rateLimitMiddleware(limiter, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	handler(w1, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	// Burst exhausted; the second request must be refused.
	w2 := httptest.NewRecorder()
	handler(w2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(w2.Body.String(), "Rate limit exceeded") {
		t.Errorf("body = %q, want rate limit message", w2.Body.String())
	}
}

func TestNewMetricsServerBindsLocalhost(t *testing.T) {
	server := newMetricsServer("9090", &stubStore{})
	if server.Addr != "localhost:9090" {
		t.Errorf("Addr = %q, want localhost:9090", server.Addr)
	}
}

func TestPerformConfigValidation(t *testing.T) {
	valid := `
timezone: Europe/London
influxdb:
  url: http://localhost:8086
  token: test-token-12345
  org: home
  bucket: solar
mqtt:
  broker: tcp://localhost:1883
devices:
  - owner: array1
    type: senergy
    port: auto
  - owner: bank1
    type: bms_active
    port: /dev/ttyUSB1
hierarchy:
  packs:
    - id: pack1
      banks: [bank1]
      capacity_kwh:
        bank1: 15
  arrays:
    - id: array1
      packs: [pack1]
`
	invalid := `
influxdb:
  url: http://localhost:8086
  token: test-token-12345
  org: home
  bucket: solar
devices:
  - owner: array1
    type: senergy
`

	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"valid config", valid, 0},
		{"missing mqtt section", invalid, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if got := performConfigValidation(path); got != tt.want {
				t.Errorf("performConfigValidation() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPerformConfigValidationMissingFile(t *testing.T) {
	if got := performConfigValidation(filepath.Join(t.TempDir(), "absent.yaml")); got != 1 {
		t.Errorf("performConfigValidation() = %d, want 1", got)
	}
}
