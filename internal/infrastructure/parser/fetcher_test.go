package parser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetcherRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing user agent")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), WithRetry(3, time.Millisecond))
	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>ok</html>" {
		t.Fatalf("unexpected body %q", body)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetcherDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), WithRetry(3, time.Millisecond))
	_, err := f.Fetch(context.Background(), srv.URL+"/listing?token=secret")

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != KindHTTPStatus || fe.Status != http.StatusNotFound {
		t.Fatalf("unexpected classification %s/%d", fe.Kind, fe.Status)
	}
	if fe.Retryable() {
		t.Fatalf("404 must not be retryable")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
	if got := fe.Error(); got != "fetch "+srv.URL+"/listing: http status 404" {
		t.Fatalf("error leaks query or is malformed: %s", got)
	}
}

func TestFetcherClassifiesTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	f := NewFetcher(client, WithRetry(1, 0))
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %s", fe.Kind)
	}
	if !fe.Retryable() {
		t.Fatalf("timeouts should be retryable")
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://user:pw@example.com/a?key=1#frag": "https://example.com/a",
		"https://example.com/obituaries":           "https://example.com/obituaries",
	}
	for in, want := range cases {
		if got := RedactURL(in); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
