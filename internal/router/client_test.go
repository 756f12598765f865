package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

var testToken = SpendToken{Token: "tok-123", Amount: 5, Denom: "NRN"}

func newTestClient(url string) *Client {
	return NewClient(Config{Endpoint: url, Timeout: 2 * time.Second, EngineVersion: "2.1"}, zap.NewNop())
}

func TestInvokeJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wasm/invoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get(HeaderEngine) != "wasm" {
			t.Errorf("engine header = %q", r.Header.Get(HeaderEngine))
		}
		if r.Header.Get(HeaderVersion) != "2.1" {
			t.Errorf("version header = %q", r.Header.Get(HeaderVersion))
		}
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.SkillURI != "knirv://skill/js-type-checker-v1" || req.SpendToken != testToken {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Parameters["strict"] != true {
			t.Errorf("parameters = %v", req.Parameters)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderStatus, "success")
		w.Header().Set(HeaderInvocationID, "inv-hdr")
		json.NewEncoder(w).Encode(map[string]any{
			"invocation_id":     "inv-42",
			"status":            "completed",
			"execution_time":    12.5,
			"memory_used":       2048,
			"consensus_reached": true,
			"skill_data":        "patched",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Invoke(context.Background(),
		"knirv://skill/js-type-checker-v1", testToken, map[string]any{"strict": true})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.InvocationID != "inv-42" {
		t.Errorf("invocation id = %q, want body value inv-42", res.InvocationID)
	}
	if res.ExecutionTime != 12500*time.Microsecond {
		t.Errorf("execution time = %v", res.ExecutionTime)
	}
	if res.MemoryUsed != 2048 || !res.ConsensusReached {
		t.Errorf("usage = %d consensus = %t", res.MemoryUsed, res.ConsensusReached)
	}
	if string(res.Output) != "patched" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestInvokeOctetStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(HeaderInvocationID, "inv-bin")
		w.Header().Set(HeaderStatus, "ok")
		w.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Invoke(context.Background(), "knirv://skill/bin", testToken, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.Success || res.InvocationID != "inv-bin" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Output) != 4 || res.Output[1] != 0x61 {
		t.Errorf("output = %v", res.Output)
	}
}

func TestInvokeOutputLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(HeaderStatus, "ok")
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Timeout: 2 * time.Second, MaxOutputBytes: 64}, zap.NewNop())
	if res, err := c.Invoke(context.Background(), "knirv://skill/fits", testToken, nil); err != nil || len(res.Output) != 64 {
		t.Fatalf("output at the limit: %v, %+v", err, res)
	}

	c = NewClient(Config{Endpoint: srv.URL, Timeout: 2 * time.Second, MaxOutputBytes: 63}, zap.NewNop())
	res, err := c.Invoke(context.Background(), "knirv://skill/too-big", testToken, nil)
	if !errors.Is(err, ErrOutputTooLarge) {
		t.Fatalf("err = %v, want ErrOutputTooLarge", err)
	}
	if res == nil || res.Success || len(res.Output) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Invoke(context.Background(), "knirv://skill/x", testToken, nil)
	if res == nil {
		t.Fatal("result must never be nil")
	}
	if res.Success {
		t.Error("expected success=false")
	}
	if !strings.Contains(res.ErrorMessage, "invocation failed") {
		t.Errorf("error message %q lacks 'invocation failed'", res.ErrorMessage)
	}
	if !strings.Contains(res.ErrorMessage, "500") || !strings.Contains(res.ErrorMessage, srv.URL) {
		t.Errorf("error message %q lacks status or endpoint", res.ErrorMessage)
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected InvocationError with 500, got %v", err)
	}
}

func TestInvokeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		budget  bool
	}{
		{
			name: "payment required",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "token exhausted", http.StatusPaymentRequired)
			},
			budget: true,
		},
		{
			name: "header declared failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(HeaderStatus, "failed")
				w.Write([]byte(`{}`))
			},
		},
		{
			name: "body declared failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"invocation_id":"inv-9","status":"error","error":"trap: unreachable"}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			res, err := newTestClient(srv.URL).Invoke(context.Background(), "knirv://skill/x", testToken, nil)
			if res == nil || res.Success {
				t.Fatalf("expected failed result, got %+v", res)
			}
			if !strings.Contains(res.ErrorMessage, "invocation failed") {
				t.Errorf("error message = %q", res.ErrorMessage)
			}
			var ie *InvocationError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InvocationError, got %v", err)
			}
			if got := errors.Is(err, ErrInsufficientBudget); got != tt.budget {
				t.Errorf("insufficient budget = %t, want %t", got, tt.budget)
			}
		})
	}
}

func TestInvokeTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res, err := newTestClient(url).Invoke(context.Background(), "knirv://skill/x", testToken, nil)
	if res == nil || res.Success {
		t.Fatalf("expected failed result, got %+v", res)
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.StatusCode != 0 {
		t.Fatalf("expected transport InvocationError, got %v", err)
	}
}

func TestStaticTokenSource(t *testing.T) {
	tok, err := StaticTokenSource{Token: testToken}.SpendToken(context.Background(), "knirv://skill/x")
	if err != nil || tok != testToken {
		t.Errorf("got %+v, %v", tok, err)
	}
	if _, err := (StaticTokenSource{}).SpendToken(context.Background(), "x"); err == nil {
		t.Error("empty static source should fail")
	}
}
