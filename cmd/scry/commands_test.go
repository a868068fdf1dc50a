package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
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
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSearchRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[{"message":{"ID":7,"ConversationID":"abc","Role":"user","Content":"found it"},"score":0.9}],"mode":"hybrid"}`,
	})

	client := ts.client()

	body := map[string]any{"query": "deployment rollback", "mode": "hybrid", "limit": 5}
	resp, err := client.post(ctx, "/search", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Results []struct {
			Score float64 `json:"score"`
		} `json:"results"`
		Mode string `json:"mode"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Mode != "hybrid" {
		t.Errorf("mode = %q, want hybrid", result.Mode)
	}
	if len(result.Results) != 1 || result.Results[0].Score != 0.9 {
		t.Errorf("unexpected results: %+v", result.Results)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["query"] != "deployment rollback" {
		t.Errorf("body.query = %v, want deployment rollback", sent["query"])
	}
	if sent["limit"] != float64(5) {
		t.Errorf("body.limit = %v, want 5", sent["limit"])
	}
}

func TestImportStream(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conversations/import": `{"conversations":2,"messages":5,"skipped":0}`,
	})

	client := ts.client()

	jsonl := `{"title":"a","messages":[{"role":"user","content":"x"}]}
{"title":"b","messages":[{"role":"user","content":"y"}]}
`
	resp, err := client.postStream(ctx, "/conversations/import", strings.NewReader(jsonl))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sum struct {
		Conversations int `json:"conversations"`
		Messages      int `json:"messages"`
	}
	if err := decodeJSON(resp, &sum); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if sum.Conversations != 2 || sum.Messages != 5 {
		t.Errorf("summary = %+v, want 2/5", sum)
	}

	r := ts.requests[0]
	if r.Body != jsonl {
		t.Errorf("streamed body = %q, want the raw JSONL", r.Body)
	}
}

func TestDeleteConversationRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /conversations/abc-123": `{"status":"deleted"}`,
	})

	client := ts.client()

	resp, err := client.delete(ctx, "/conversations/abc-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "deleted" {
		t.Errorf("status = %q, want deleted", result["status"])
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()

	resp, err := client.get(ctx, "/conversations/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty when no token is configured", ts.requests[0].Auth)
	}
}

func TestSearchCommand_MissingQuery(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"search"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing query argument")
	}
}

func TestImportCommand_MissingFile(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"import"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing file argument")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "hello")
	if strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "hello")
	if !strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q, want 01234567", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q, want abc", got)
	}
}
