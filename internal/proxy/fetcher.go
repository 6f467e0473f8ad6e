package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	imetrics "traefik-challenge-2/internal/metrics"
)

// ErrResponseTooLarge is returned when an origin's response body exceeds the
// fetcher's configured cap.
var ErrResponseTooLarge = errors.New("fetcher: response exceeded size limit")

// FetchResult is what a single successful outbound call produces.
type FetchResult struct {
	Status      int
	Body        []byte
	ContentType string
}

// Fetcher performs the single outbound HTTP/1.1 round trip the pipeline
// needs: connect and response timeouts, a hard cap on response size, and a
// bounded linear-backoff retry that only applies to transport-level errors
// (never to origin-returned status codes).
type Fetcher struct {
	connectTimeout  time.Duration
	responseTimeout time.Duration
	maxResponseSize int64
	maxRetries      int
}

// NewFetcher constructs a Fetcher with the given limits.
func NewFetcher(connectTimeout, responseTimeout time.Duration, maxResponseSize int64, maxRetries int) *Fetcher {
	return &Fetcher{
		connectTimeout:  connectTimeout,
		responseTimeout: responseTimeout,
		maxResponseSize: maxResponseSize,
		maxRetries:      maxRetries,
	}
}

// Fetch issues req.Method against req.URL, retrying transport errors with a
// linear backoff (attempt*1s) up to maxRetries times. It always forces
// Connection: close and never reuses a connection across calls.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	req.Close = true
	req.Header.Set("Connection", "close")

	var lastErr error
	attempts := f.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			imetrics.FetchRetryInc()
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		result, err := f.attempt(ctx, req)
		if err == nil {
			imetrics.FetchDurationObserve(time.Since(start))
			imetrics.FetchOutcomeInc("ok")
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrResponseTooLarge) {
			imetrics.FetchOutcomeInc("too_large")
			return nil, err
		}
		if ctx.Err() != nil {
			imetrics.FetchOutcomeInc("timeout")
			return nil, lastErr
		}
		// transport error: eligible for retry
	}
	imetrics.FetchOutcomeInc("unreachable")
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, req *http.Request) (*FetchResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.connectTimeout+f.responseTimeout)
	defer cancel()

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: f.connectTimeout}).DialContext,
		DisableKeepAlives: true,
	}

	outbound := req.Clone(attemptCtx)
	resp, err := transport.RoundTrip(outbound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, f.maxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxResponseSize {
		return nil, ErrResponseTooLarge
	}

	return &FetchResult{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
