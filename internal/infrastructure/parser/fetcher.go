package parser

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultUserAgent = "ObituaryScanner/1.0 (+https://example.org/obituary-scanner)"
	maxBodyBytes     = 5 << 20
)

// FetchErrorKind classifies why a page could not be retrieved.
type FetchErrorKind string

const (
	KindTimeout    FetchErrorKind = "timeout"
	KindDNS        FetchErrorKind = "dns"
	KindHTTPStatus FetchErrorKind = "http_status"
	KindSSL        FetchErrorKind = "ssl"
	KindNetwork    FetchErrorKind = "network"
)

// FetchError is the classified failure surfaced to the collector.
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", RedactURL(e.URL), e.Status)
	}
	return fmt.Sprintf("fetch %s: %s", RedactURL(e.URL), e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindDNS, KindNetwork:
		return true
	case KindHTTPStatus:
		return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// Fetcher performs GET requests with a descriptive User-Agent, a per-request
// timeout and bounded exponential backoff.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithRetry sets the attempt count and the initial backoff, doubled per retry.
func WithRetry(maxAttempts int, backoff time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if maxAttempts > 0 {
			f.maxAttempts = maxAttempts
		}
		f.backoff = backoff
	}
}

// WithFetchLogger sets the logger used for retry attempts.
func WithFetchLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = logger }
}

// NewFetcher wires an HTTP client; a nil client gets a 20s timeout.
func NewFetcher(client *http.Client, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	f := &Fetcher{
		client:      client,
		userAgent:   defaultUserAgent,
		maxAttempts: 3,
		backoff:     2 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch returns the body of pageURL or a *FetchError after the last attempt.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr *FetchError
	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		body, err := f.fetchOnce(ctx, pageURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil || !err.Retryable() || attempt == f.maxAttempts-1 {
			break
		}

		wait := f.backoff * (1 << uint(attempt))
		if f.logger != nil {
			f.logger.WarnContext(ctx, "retrying fetch",
				"attempt", attempt+1,
				"max_attempts", f.maxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"url", RedactURL(pageURL),
				"kind", string(err.Kind))
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, pageURL string) ([]byte, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: pageURL, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: KindHTTPStatus, Status: resp.StatusCode, URL: pageURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: pageURL, Err: err}
	}
	return body, nil
}

func classify(err error) FetchErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}

	var (
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		headerErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) ||
		errors.As(err, &headerErr) || errors.As(err, &verifyErr) {
		return KindSSL
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// RedactURL drops query strings and fragments so tokens never reach logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
