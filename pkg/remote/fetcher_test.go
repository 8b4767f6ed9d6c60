package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chazu/decisionloader/pkg/loader"
)

func TestFetcher_Classify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantOutcome Outcome
		wantKind    loader.Kind
	}{
		{name: "ok", status: 200, body: "doc", wantOutcome: OutcomeSuccess},
		{name: "server error", status: 500, wantOutcome: OutcomeRetryable, wantKind: loader.KindServerUnavailable},
		{name: "bad gateway", status: 502, wantOutcome: OutcomeRetryable, wantKind: loader.KindServerUnavailable},
		{name: "not found", status: 404, wantOutcome: OutcomeTerminal, wantKind: loader.KindNotFound},
		{name: "unauthorized", status: 401, wantOutcome: OutcomeTerminal, wantKind: loader.KindRequestRejected},
		{name: "not modified", status: 304, wantOutcome: OutcomeTerminal, wantKind: loader.KindHTTP},
		{name: "too many requests", status: 429, wantOutcome: OutcomeTerminal, wantKind: loader.KindHTTP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			f := NewFetcher("test", server.URL, nil, time.Second, 0)
			res := f.Fetch(context.Background(), "a.json", nil)

			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if res.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", res.Kind, tt.wantKind)
			}
			if res.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
			if tt.wantOutcome == OutcomeSuccess && string(res.Content) != tt.body {
				t.Errorf("Content = %q, want %q", res.Content, tt.body)
			}
		})
	}
}

func TestFetcher_BodyLimit(t *testing.T) {
	body := strings.Repeat("x", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer server.Close()

	exact := NewFetcher("test", server.URL, nil, time.Second, 1024).Fetch(context.Background(), "a", nil)
	if exact.Outcome != OutcomeSuccess {
		t.Errorf("Expected a body at the limit to succeed, got %s: %v", exact.Outcome, exact.Err)
	}

	over := NewFetcher("test", server.URL, nil, time.Second, 1023).Fetch(context.Background(), "a", nil)
	if over.Kind != loader.KindTooLarge {
		t.Errorf("Expected TooLarge, got %s", over.Kind)
	}

	unlimited := NewFetcher("test", server.URL, nil, time.Second, 0).Fetch(context.Background(), "a", nil)
	if len(unlimited.Content) != len(body) {
		t.Errorf("Expected the full body without a limit, got %d bytes", len(unlimited.Content))
	}
}

func TestFetcher_ErrorBodyIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, strings.Repeat("e", 3*errorBodyLimit))
	}))
	defer server.Close()

	res := NewFetcher("test", server.URL, nil, time.Second, 0).Fetch(context.Background(), "a", nil)
	if res.Err == nil {
		t.Fatal("Expected an error")
	}
	if n := strings.Count(res.Err.Error(), "e"); n > errorBodyLimit+10 {
		t.Errorf("Expected the body in the message to be truncated, found %d bytes", n)
	}
}

func TestFetcher_URLEscapesKey(t *testing.T) {
	f := NewFetcher("test", "https://api.example/decisions", nil, time.Second, 0)

	tests := map[string]string{
		"pricing.json":     "https://api.example/decisions/pricing.json",
		"eu/pricing.json":  "https://api.example/decisions/eu%2Fpricing.json",
		"a b?c#d":          "https://api.example/decisions/a%20b%3Fc%23d",
		"../../etc/passwd": "https://api.example/decisions/..%2F..%2Fetc%2Fpasswd",
	}
	for key, want := range tests {
		if got := f.URL(key); got != want {
			t.Errorf("URL(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestFetcher_CanceledContext(t *testing.T) {
	f := NewFetcher("test", "http://127.0.0.1:1", nil, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.Fetch(ctx, "a", nil)
	if res.Outcome != OutcomeTerminal || res.Kind != loader.KindCanceled {
		t.Errorf("Expected a terminal cancellation, got %s/%s", res.Outcome, res.Kind)
	}
}
