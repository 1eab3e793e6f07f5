// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

const (
	defaultMaxRetries        = 3
	defaultInitialRetryDelay = 500 * time.Millisecond
	defaultMaxRetryDelay     = 10 * time.Second
)

type tokenKey struct{}

func withToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// authTransport adds the bearer token carried by the request context and
// the fixed Graph headers.
type authTransport struct {
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if token, ok := req.Context().Value(tokenKey{}).(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	return t.base.RoundTrip(req)
}

// Retryable decides whether a Graph call is attempted again. Throttling
// (429, 503) and transport failures are always retried. Other 5xx answers
// are retried only for idempotent methods, since a POST may already have
// been committed.
func Retryable(err error, resp *http.Response) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return true
	case resp.StatusCode >= 500:
		return resp.Request != nil && idempotent(resp.Request.Method)
	}
	return false
}

func idempotent(method string) bool {
	switch method {
	// Graph PATCH bodies set absolute values, so a replay is harmless.
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func newRetryClient(httpClient *http.Client, opts []retry.Option) (*retry.Client, error) {
	all := append([]retry.Option{
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(defaultMaxRetries),
		retry.WithInitialRetryDelay(defaultInitialRetryDelay),
		retry.WithMaxRetryDelay(defaultMaxRetryDelay),
		retry.WithRetryableChecker(Retryable),
	}, opts...)
	client, err := retry.NewRealtimeClient(all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}
