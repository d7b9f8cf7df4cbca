package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"embedstream/internal/core"
)

func TestClient_Do_Success(t *testing.T) {
	var receivedBody map[string]any
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer token")
	})

	var result struct {
		Message string `json:"message"`
	}
	err := client.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/embeddings",
		Body:     map[string]string{"input": "test"},
		Headers:  map[string]string{"X-Custom": "custom-value"},
	}, &result)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message != "hello" {
		t.Errorf("expected message 'hello', got '%s'", result.Message)
	}
	if receivedBody["input"] != "test" {
		t.Errorf("expected input 'test', got '%v'", receivedBody["input"])
	}
	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got '%s'", receivedHeaders.Get("Content-Type"))
	}
	if receivedHeaders.Get("Authorization") != "Bearer token" {
		t.Errorf("expected Authorization header, got '%s'", receivedHeaders.Get("Authorization"))
	}
	if receivedHeaders.Get("X-Custom") != "custom-value" {
		t.Errorf("expected X-Custom header, got '%s'", receivedHeaders.Get("X-Custom"))
	}
}

func TestClient_Do_ErrorParsing(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		body          string
		wantType      core.ErrorType
		wantTransient bool
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limited"}}`, core.ErrorTypeRateLimit, true},
		{"authentication", http.StatusUnauthorized, `{"error":{"message":"Invalid API key"}}`, core.ErrorTypeAuthentication, false},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"Invalid model"}}`, core.ErrorTypeInvalidRequest, false},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"Server error"}}`, core.ErrorTypeProvider, true},
		{"unavailable", http.StatusServiceUnavailable, `overloaded`, core.ErrorTypeProvider, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := New(DefaultConfig("test", server.URL), nil).Do(context.Background(), Request{
				Method:   http.MethodGet,
				Endpoint: "/test",
			}, nil)

			var gatewayErr *core.GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("expected GatewayError, got %T", err)
			}
			if gatewayErr.Type != tt.wantType {
				t.Errorf("expected error type %s, got %s", tt.wantType, gatewayErr.Type)
			}
			if core.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", core.IsTransient(err), tt.wantTransient)
			}
		})
	}
}

func TestClient_Do_SingleAttempt(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := New(DefaultConfig("test", server.URL), nil).Do(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/test",
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestClient_Do_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	var out map[string]any
	err := New(DefaultConfig("test", server.URL), nil).Do(context.Background(), Request{Method: http.MethodGet}, &out)

	var gatewayErr *core.GatewayError
	if !errors.As(err, &gatewayErr) || gatewayErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 provider error, got %v", err)
	}
}

func TestClient_DoStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte("data: {\"content\":\"hi\"}\n\n"))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	body, err := client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if !strings.Contains(string(data), `"content":"hi"`) {
		t.Errorf("unexpected stream body %q", data)
	}

	_, err = client.DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/fail"})
	var gatewayErr *core.GatewayError
	if !errors.As(err, &gatewayErr) || gatewayErr.Type != core.ErrorTypeRateLimit {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := New(DefaultConfig("test", server.URL), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Do(ctx, Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	if !core.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if client.BreakerState() != "closed" {
		t.Errorf("cancellation must not count against the breaker, state %s", client.BreakerState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig("test", server.URL)
	config.Breaker = &BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute}
	client := New(config, nil)

	for i := 0; i < 5; i++ {
		_ = client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	}

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	var gatewayErr *core.GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if gatewayErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, gatewayErr.StatusCode)
	}
	if !strings.Contains(gatewayErr.Message, "circuit breaker") {
		t.Errorf("expected circuit breaker message, got: %s", gatewayErr.Message)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts before circuit opened, got %d", got)
	}
	if client.BreakerState() != "open" {
		t.Errorf("expected open circuit, got %s", client.BreakerState())
	}
}

func TestCircuitBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	config := DefaultConfig("test", server.URL)
	config.Breaker = &BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	client := New(config, nil)

	for i := 0; i < 3; i++ {
		_ = client.Do(context.Background(), Request{Method: http.MethodGet}, nil)
	}
	if client.BreakerState() != "closed" {
		t.Errorf("expected closed circuit, got %s", client.BreakerState())
	}
}

func TestBreaker_HalfOpenTransitions(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "open" || b.Allow() {
		t.Fatalf("expected open circuit rejecting requests, state %s", b.State())
	}

	now = now.Add(2 * time.Second)
	if !b.Allow() || b.State() != "half-open" {
		t.Fatalf("expected half-open after timeout, state %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != "half-open" {
		t.Errorf("expected half-open after one success, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != "closed" {
		t.Errorf("expected closed after two successes, got %s", b.State())
	}

	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(2 * time.Second)
	b.Allow()
	b.RecordFailure()
	if b.State() != "open" {
		t.Errorf("expected a half-open failure to reopen, got %s", b.State())
	}
}

func TestClient_NoBreaker(t *testing.T) {
	c := NewWithHTTPClient(http.DefaultClient, Config{ProviderName: "x", BaseURL: "http://example.invalid"}, nil)
	if c.BreakerState() != "disabled" {
		t.Errorf("expected disabled, got %s", c.BreakerState())
	}
	if c.BaseURL() != "http://example.invalid" {
		t.Errorf("unexpected base URL %s", c.BaseURL())
	}
}
