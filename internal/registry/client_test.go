package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/fingerprint"
)

type jsTypeError struct{}

func (jsTypeError) Error() string     { return "x.map is not a function" }
func (jsTypeError) ErrorType() string { return "TypeError" }

func testFingerprint(sev fingerprint.Severity) fingerprint.Fingerprint {
	return fingerprint.Build(jsTypeError{},
		fingerprint.AgentInfo{ID: "agent-1", Version: "0.3.0", BaseModelID: "hrm-562m"},
		"transform list", fingerprint.Extra{Severity: sev})
}

// mockRegistry serves the two registry endpoints from canned responses.
type mockRegistry struct {
	query      func(w http.ResponseWriter, body map[string]json.RawMessage)
	submit     func(w http.ResponseWriter, body map[string]json.RawMessage)
	queries    atomic.Int32
	submits    atomic.Int32
	lastSubmit map[string]json.RawMessage
}

func (m *mockRegistry) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/error-clusters/query", func(w http.ResponseWriter, r *http.Request) {
		m.queries.Add(1)
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode query body: %v", err)
		}
		m.query(w, body)
	})
	mux.HandleFunc("/api/error-clusters/submit", func(w http.ResponseWriter, r *http.Request) {
		m.submits.Add(1)
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		m.lastSubmit = body
		if m.submit == nil {
			t.Error("unexpected submission")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		m.submit(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestClient(url string) *Client {
	return NewClient(Config{Endpoint: url, Timeout: 2 * time.Second, BountyBase: 10}, zap.NewNop())
}

func TestDiscoverFound(t *testing.T) {
	m := &mockRegistry{
		query: func(w http.ResponseWriter, body map[string]json.RawMessage) {
			fp, err := fingerprint.DecodeJSON(body["errorContext"])
			if err != nil {
				t.Errorf("errorContext is not a fingerprint: %v", err)
			}
			if fp.Detail().Type != "TypeError" {
				t.Errorf("errorType = %q, want TypeError", fp.Detail().Type)
			}
			writeJSON(w, map[string]any{
				"status": "QUERY_SUCCESS",
				"skillNodeResult": map[string]any{
					"skillURI":    "knirv://skill/js-type-checker-v1",
					"skillNodeId": "skill_node_9",
					"clusterId":   "cluster_3",
					"confidence":  0.85,
				},
			})
		},
	}
	srv := m.server(t)

	res, err := newTestClient(srv.URL).Discover(context.Background(), testFingerprint(fingerprint.SeverityMedium), 5, 0.7)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !res.SkillFound {
		t.Fatal("expected skillFound")
	}
	if res.SkillURI != "knirv://skill/js-type-checker-v1" {
		t.Errorf("skill URI = %q", res.SkillURI)
	}
	if res.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", res.Confidence)
	}
	if err := res.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if m.submits.Load() != 0 {
		t.Error("found skill must not trigger a submission")
	}
}

func TestDiscoverNoMatchRegistersErrorNode(t *testing.T) {
	m := &mockRegistry{
		query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
			writeJSON(w, map[string]any{
				"status": "QUERY_NO_MATCH",
				"similarClusters": []map[string]any{
					{"clusterId": "cluster_8", "dominantErrorType": "TypeError", "memberCount": 4,
						"averageSeverity": 2.5, "tags": []string{"js"}, "bountyAmount": 40},
				},
			})
		},
		submit: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
			writeJSON(w, map[string]any{
				"status":      "SUBMISSION_SUCCESS",
				"errorNodeId": "error_node_001",
				"clusterId":   "cluster_12",
			})
		},
	}
	srv := m.server(t)

	res, err := newTestClient(srv.URL).Discover(context.Background(), testFingerprint(fingerprint.SeverityHigh), 5, 0.7)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.SkillFound {
		t.Fatal("expected skillFound=false")
	}
	if res.ErrorNodeID != "error_node_001" {
		t.Errorf("error node = %q, want error_node_001", res.ErrorNodeID)
	}
	if res.SkillURI != "" {
		t.Errorf("skill URI should be empty, got %q", res.SkillURI)
	}
	if len(res.SimilarClusters) != 1 || res.SimilarClusters[0].ClusterID != "cluster_8" {
		t.Errorf("similar clusters = %+v", res.SimilarClusters)
	}
	if err := res.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	var prio Priority
	json.Unmarshal(m.lastSubmit["priority"], &prio)
	if prio != PriorityHigh {
		t.Errorf("priority = %q, want HIGH", prio)
	}
	var bounty float64
	json.Unmarshal(m.lastSubmit["bountyAmount"], &bounty)
	if bounty != 40 {
		t.Errorf("bounty = %v, want 40", bounty)
	}
}

func TestDiscoverBelowThresholdRegisters(t *testing.T) {
	m := &mockRegistry{
		query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
			writeJSON(w, map[string]any{
				"status": "QUERY_PARTIAL_MATCH",
				"skillNodeResult": map[string]any{
					"skillURI": "knirv://skill/weak", "skillNodeId": "n", "clusterId": "c", "confidence": 0.4,
				},
			})
		},
		submit: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
			writeJSON(w, map[string]any{"status": "SUBMISSION_DUPLICATE", "errorNodeId": "error_node_002", "clusterId": "c"})
		},
	}
	srv := m.server(t)

	res, err := newTestClient(srv.URL).Discover(context.Background(), testFingerprint(""), 5, 0.7)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.SkillFound || res.ErrorNodeID != "error_node_002" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDiscoverErrors(t *testing.T) {
	tests := []struct {
		name       string
		query      func(w http.ResponseWriter, body map[string]json.RawMessage)
		submit     func(w http.ResponseWriter, body map[string]json.RawMessage)
		wantStatus int
		wantOp     string
	}{
		{
			name: "http 503",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				http.Error(w, "registry down", http.StatusServiceUnavailable)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantOp:     "query",
		},
		{
			name: "malformed body",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				w.Write([]byte("{not json"))
			},
			wantStatus: http.StatusOK,
			wantOp:     "query",
		},
		{
			name: "query failed",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				writeJSON(w, map[string]any{"status": "QUERY_FAILED", "errorMessage": "index rebuilding"})
			},
			wantStatus: http.StatusOK,
			wantOp:     "query",
		},
		{
			name: "unknown status",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				writeJSON(w, map[string]any{"status": "QUERY_MAYBE"})
			},
			wantStatus: http.StatusOK,
			wantOp:     "query",
		},
		{
			name: "submission invalid",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				writeJSON(w, map[string]any{"status": "QUERY_NO_MATCH"})
			},
			submit: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				writeJSON(w, map[string]any{"status": "SUBMISSION_INVALID", "errorMessage": "missing task"})
			},
			wantStatus: http.StatusOK,
			wantOp:     "submit",
		},
		{
			name: "submission http 500",
			query: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				writeJSON(w, map[string]any{"status": "QUERY_NO_MATCH"})
			},
			submit: func(w http.ResponseWriter, _ map[string]json.RawMessage) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantStatus: http.StatusInternalServerError,
			wantOp:     "submit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRegistry{query: tt.query, submit: tt.submit}
			srv := m.server(t)

			res, err := newTestClient(srv.URL).Discover(context.Background(), testFingerprint(""), 5, 0.5)
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
			var de *DiscoveryError
			if !errors.As(err, &de) {
				t.Fatalf("expected DiscoveryError, got %v", err)
			}
			if de.StatusCode != tt.wantStatus {
				t.Errorf("status code = %d, want %d", de.StatusCode, tt.wantStatus)
			}
			if de.Op != tt.wantOp {
				t.Errorf("op = %q, want %q", de.Op, tt.wantOp)
			}
			if de.Endpoint == "" {
				t.Error("endpoint missing from error")
			}
			if m.submits.Load() > 1 {
				t.Errorf("client re-submitted %d times", m.submits.Load())
			}
		})
	}
}

func TestDiscoverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := c.Discover(context.Background(), testFingerprint(""), 1, 0.5)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DiscoveryError, got %v", err)
	}
	if de.StatusCode != 0 {
		t.Errorf("status code = %d, want 0 for transport failure", de.StatusCode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		r    *DiscoveryResult
		ok   bool
	}{
		{"found", &DiscoveryResult{SkillFound: true, SkillURI: "u"}, true},
		{"registered", &DiscoveryResult{ErrorNodeID: "e"}, true},
		{"both", &DiscoveryResult{SkillFound: true, SkillURI: "u", ErrorNodeID: "e"}, false},
		{"neither", &DiscoveryResult{}, false},
		{"flag mismatch", &DiscoveryResult{SkillURI: "u"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%t", err, tt.ok)
			}
		})
	}
}

func TestBountyAndPriority(t *testing.T) {
	if BountyFor(10, fingerprint.SeverityCritical) != 80 {
		t.Error("critical bounty should be 8x base")
	}
	if PriorityFor(fingerprint.SeverityLow) != PriorityLow {
		t.Error("low severity should map to LOW")
	}
}
