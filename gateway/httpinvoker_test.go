package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewHTTPInvoker_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *HTTPInvokerConfig
	}{
		{"nil config", nil},
		{"missing endpoint", &HTTPInvokerConfig{}},
		{"unsupported scheme", &HTTPInvokerConfig{Endpoint: "ftp://tools.example.com"}},
		{"unparseable endpoint", &HTTPInvokerConfig{Endpoint: "://bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPInvoker(tt.cfg); err == nil {
				t.Error("NewHTTPInvoker() should fail")
			}
		})
	}
}

func TestHTTPInvoker_Invoke(t *testing.T) {
	var gotPayload invokePayload
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("backend got method %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if auth := r.Header.Get("X-Backend-Key"); auth != "sekrit" {
			t.Errorf("X-Backend-Key = %q, want sekrit", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("backend failed to decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer backend.Close()

	inv, err := NewHTTPInvoker(&HTTPInvokerConfig{
		Endpoint: backend.URL,
		Headers:  map[string]string{"X-Backend-Key": "sekrit"},
	})
	if err != nil {
		t.Fatalf("NewHTTPInvoker() error = %v", err)
	}

	result, err := inv.Invoke(context.Background(), "search", map[string]any{"q": "golang"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(result) != `{"result":"ok"}` {
		t.Errorf("Invoke() = %s", result)
	}
	if gotPayload.Tool != "search" {
		t.Errorf("backend saw tool %q, want search", gotPayload.Tool)
	}
	if gotPayload.Args["q"] != "golang" {
		t.Errorf("backend saw args %v", gotPayload.Args)
	}
}

func TestHTTPInvoker_Invoke_BackendFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	inv, err := NewHTTPInvoker(&HTTPInvokerConfig{Endpoint: backend.URL})
	if err != nil {
		t.Fatalf("NewHTTPInvoker() error = %v", err)
	}

	_, err = inv.Invoke(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("Invoke() against failing backend should error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q should carry the backend status", err)
	}
}

func TestHTTPInvoker_Invoke_ResponseTooLarge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer backend.Close()

	inv, err := NewHTTPInvoker(&HTTPInvokerConfig{
		Endpoint:         backend.URL,
		MaxResponseBytes: 16,
	})
	if err != nil {
		t.Fatalf("NewHTTPInvoker() error = %v", err)
	}

	if _, err := inv.Invoke(context.Background(), "search", nil); err == nil {
		t.Error("Invoke() should reject oversized responses")
	}
}

func TestHTTPInvoker_HealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Invoke endpoints commonly reject GET.
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer healthy.Close()

	t.Run("dedicated health URL", func(t *testing.T) {
		inv, err := NewHTTPInvoker(&HTTPInvokerConfig{
			Endpoint:  healthy.URL,
			HealthURL: healthy.URL + "/healthz",
		})
		if err != nil {
			t.Fatalf("NewHTTPInvoker() error = %v", err)
		}
		if err := inv.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck() error = %v", err)
		}
	})

	t.Run("health URL must answer 200", func(t *testing.T) {
		inv, err := NewHTTPInvoker(&HTTPInvokerConfig{
			Endpoint:  healthy.URL,
			HealthURL: healthy.URL + "/missing",
		})
		if err != nil {
			t.Fatalf("NewHTTPInvoker() error = %v", err)
		}
		if err := inv.HealthCheck(context.Background()); err == nil {
			t.Error("HealthCheck() against non-200 health URL should fail")
		}
	})

	t.Run("endpoint probe accepts any answer", func(t *testing.T) {
		inv, err := NewHTTPInvoker(&HTTPInvokerConfig{Endpoint: healthy.URL})
		if err != nil {
			t.Fatalf("NewHTTPInvoker() error = %v", err)
		}
		if err := inv.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck() error = %v", err)
		}
	})

	t.Run("unreachable backend", func(t *testing.T) {
		inv, err := NewHTTPInvoker(&HTTPInvokerConfig{Endpoint: "http://127.0.0.1:1"})
		if err != nil {
			t.Fatalf("NewHTTPInvoker() error = %v", err)
		}
		if err := inv.HealthCheck(context.Background()); err == nil {
			t.Error("HealthCheck() against unreachable backend should fail")
		}
	})
}
