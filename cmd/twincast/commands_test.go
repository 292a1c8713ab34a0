package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/twincast/twincast/internal/api"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Secret string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Secret: r.Header.Get(api.SecretHeader),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"invalid_request_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		secret:     "test-secret",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAgentInitRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agents": `{"status":"ok","job_id":"job-1"}`,
	})
	client := ts.client()

	resp, err := client.post(ctx, "/api/agents", map[string]any{
		"creator_fid": 42,
		"tone":        "dry",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.JobID != "job-1" {
		t.Errorf("job_id = %q", result.JobID)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Secret != "test-secret" {
		t.Errorf("secret header = %q", r.Secret)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["creator_fid"] != float64(42) || body["tone"] != "dry" {
		t.Errorf("body = %v", body)
	}
}

func TestDecodeJSON_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.client()

	resp, err := client.get(ctx, "/api/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	var out map[string]any
	if err := decodeJSON(resp, &out); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestAgentCommands_RejectBadFid(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	for _, args := range [][]string{
		{"agent", "init", "abc"},
		{"agent", "reinit", "abc"},
		{"agent", "status", "abc"},
	} {
		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err == nil {
			t.Errorf("%v: expected error for non-numeric fid", args)
		}
	}
}
