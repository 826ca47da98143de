package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

// mockHealthChecker implements HealthChecker for testing
type mockHealthChecker struct {
	liveness  bool
	readiness bool
	healthy   bool
	status    map[string]string
}

func (m *mockHealthChecker) Liveness() bool {
	return m.liveness
}

func (m *mockHealthChecker) Readiness(ctx context.Context) bool {
	return m.readiness
}

func (m *mockHealthChecker) IsHealthy() bool {
	return m.healthy
}

func (m *mockHealthChecker) GetStatus() map[string]string {
	return m.status
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var response HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func TestLivenessHandler(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		statusCode int
		status     string
	}{
		{"recording", true, http.StatusOK, "alive"},
		{"stopped", false, http.StatusServiceUnavailable, "not alive"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockHealthChecker{liveness: tt.alive}
			w := httptest.NewRecorder()
			LivenessHandler(checker, logger)(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

			if w.Code != tt.statusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.statusCode)
			}
			response := decodeHealth(t, w)
			if response.Status != tt.status {
				t.Errorf("status = %s, want %s", response.Status, tt.status)
			}
			if response.Checks != nil {
				t.Errorf("liveness should not report checks, got %v", response.Checks)
			}
		})
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		checks     map[string]string
		statusCode int
		status     string
	}{
		{
			name:       "chunk open",
			ready:      true,
			checks:     map[string]string{"recording": "running", "chunk": "open", "archive": "s3"},
			statusCode: http.StatusOK,
			status:     "ready",
		},
		{
			name:       "chunk closed",
			ready:      false,
			checks:     map[string]string{"recording": "stopped", "chunk": "closed"},
			statusCode: http.StatusServiceUnavailable,
			status:     "not ready",
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockHealthChecker{readiness: tt.ready, status: tt.checks}
			w := httptest.NewRecorder()
			ReadinessHandler(checker, logger)(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if w.Code != tt.statusCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.statusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			response := decodeHealth(t, w)
			if response.Status != tt.status {
				t.Errorf("status = %s, want %s", response.Status, tt.status)
			}
			if response.Timestamp == "" {
				t.Error("timestamp should be set")
			}
			if len(response.Checks) != len(tt.checks) {
				t.Errorf("checks = %v, want %v", response.Checks, tt.checks)
			}
			for k, v := range tt.checks {
				if response.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, response.Checks[k], v)
				}
			}
		})
	}
}
