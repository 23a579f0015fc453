package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polyfed/polyfed/pkg/store"
)

type failingPinger struct {
	err error
}

func (p failingPinger) Ping(ctx context.Context) error {
	return p.err
}

func TestNewHealthChecker(t *testing.T) {
	checker := NewHealthChecker()
	if checker == nil {
		t.Fatal("Expected non-nil checker")
	}
	if len(checker.deps) != 0 {
		t.Errorf("Expected no dependencies, got %d", len(checker.deps))
	}

	checker.AddDependency("store", store.NewMemoryStore())
	if len(checker.deps) != 1 {
		t.Errorf("Expected 1 dependency, got %d", len(checker.deps))
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker()

	req := httptest.NewRequest("GET", "/health/live", nil)
	rr := httptest.NewRecorder()

	checker.Liveness(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Liveness check returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	contentType := rr.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != StatusHealthy {
		t.Errorf("Expected status %s, got %v", StatusHealthy, response["status"])
	}

	if _, ok := response["timestamp"]; !ok {
		t.Error("Expected timestamp in response")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("healthy readiness", func(t *testing.T) {
		checker := NewHealthChecker()
		checker.AddDependency("store", store.NewMemoryStore())

		req := httptest.NewRequest("GET", "/health/ready", nil)
		rr := httptest.NewRecorder()

		checker.Readiness(rr, req)

		if status := rr.Code; status != http.StatusOK {
			t.Errorf("Readiness check returned wrong status code: got %v want %v", status, http.StatusOK)
		}

		contentType := rr.Header().Get("Content-Type")
		if contentType != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", contentType)
		}
	})

	t.Run("unhealthy readiness with failed store", func(t *testing.T) {
		checker := NewHealthChecker()
		checker.AddDependency("store", failingPinger{err: errors.New("connection failed")})

		req := httptest.NewRequest("GET", "/health/ready", nil)
		rr := httptest.NewRecorder()

		checker.Readiness(rr, req)

		if status := rr.Code; status != http.StatusServiceUnavailable {
			t.Errorf("Expected status %v for unhealthy, got %v", http.StatusServiceUnavailable, status)
		}

		var response HealthStatus
		if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if response.Status != StatusUnhealthy {
			t.Errorf("Expected status %s, got %s", StatusUnhealthy, response.Status)
		}
	})
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		checker := NewHealthChecker()
		ctx := context.Background()

		status := checker.Check(ctx)

		if status.Status != StatusHealthy {
			t.Errorf("Expected status %s, got %s", StatusHealthy, status.Status)
		}

		if len(status.Dependencies) != 0 {
			t.Errorf("Expected 0 dependencies, got %d", len(status.Dependencies))
		}

		if status.Timestamp.IsZero() {
			t.Error("Expected non-zero timestamp")
		}
	})

	t.Run("with healthy store", func(t *testing.T) {
		checker := NewHealthChecker()
		checker.AddDependency("store", store.NewMemoryStore())
		ctx := context.Background()

		status := checker.Check(ctx)

		if len(status.Dependencies) != 1 {
			t.Errorf("Expected 1 dependency, got %d", len(status.Dependencies))
		}

		storeStatus, ok := status.Dependencies["store"]
		if !ok {
			t.Fatal("Expected store dependency")
		}

		if storeStatus.Status != StatusHealthy {
			t.Errorf("Expected store status %s, got %s with message: %s", StatusHealthy, storeStatus.Status, storeStatus.Message)
		}

		if storeStatus.Timestamp.IsZero() {
			t.Error("Expected non-zero timestamp")
		}
	})

	t.Run("with unhealthy store", func(t *testing.T) {
		checker := NewHealthChecker()
		checker.AddDependency("store", failingPinger{err: errors.New("connection refused")})
		ctx := context.Background()

		status := checker.Check(ctx)

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %s, got %s", StatusUnhealthy, status.Status)
		}

		storeStatus := status.Dependencies["store"]
		if storeStatus.Status != StatusUnhealthy {
			t.Errorf("Expected store status %s, got %s", StatusUnhealthy, storeStatus.Status)
		}

		if storeStatus.Message != "connection refused" {
			t.Errorf("Expected 'connection refused', got %s", storeStatus.Message)
		}
	})

	t.Run("one failing dependency marks the whole check unhealthy", func(t *testing.T) {
		checker := NewHealthChecker()
		checker.AddDependency("store", store.NewMemoryStore())
		checker.AddDependency("upstream", failingPinger{err: errors.New("timeout")})
		ctx := context.Background()

		status := checker.Check(ctx)

		if len(status.Dependencies) != 2 {
			t.Errorf("Expected 2 dependencies, got %d", len(status.Dependencies))
		}

		if status.Status != StatusUnhealthy {
			t.Errorf("Expected status %s, got %s", StatusUnhealthy, status.Status)
		}

		if storeStatus := status.Dependencies["store"]; storeStatus.Status != StatusHealthy {
			t.Errorf("Store should be healthy, got: %s", storeStatus.Message)
		}
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	t.Run("registers all routes", func(t *testing.T) {
		mux := http.NewServeMux()
		checker := NewHealthChecker()

		RegisterHealthRoutes(mux, checker)

		for _, path := range []string{"/health", "/health/live", "/health/ready"} {
			req := httptest.NewRequest("GET", path, nil)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if status := rr.Code; status != http.StatusOK {
				t.Errorf("%s returned wrong status code: got %v want %v", path, status, http.StatusOK)
			}
		}
	})

	t.Run("routes work with dependencies", func(t *testing.T) {
		mux := http.NewServeMux()

		checker := NewHealthChecker()
		checker.AddDependency("store", store.NewMemoryStore())
		RegisterHealthRoutes(mux, checker)

		req := httptest.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		if status := rr.Code; status != http.StatusOK {
			t.Errorf("/health with store returned wrong status code: got %v want %v", status, http.StatusOK)
		}

		var response HealthStatus
		if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if _, ok := response.Dependencies["store"]; !ok {
			t.Error("Expected store dependency in response")
		}
	})
}

func TestHealthStatus_JSON(t *testing.T) {
	original := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().Round(time.Second),
		Version:   "1.0.0",
		Dependencies: map[string]DependencyStatus{
			"store": {
				Status:    StatusHealthy,
				Message:   "OK",
				Latency:   10 * time.Millisecond,
				Timestamp: time.Now().Round(time.Second),
			},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var decoded HealthStatus
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if decoded.Status != original.Status {
		t.Errorf("Status mismatch: got %s, want %s", decoded.Status, original.Status)
	}

	if decoded.Version != original.Version {
		t.Errorf("Version mismatch: got %s, want %s", decoded.Version, original.Version)
	}
}
