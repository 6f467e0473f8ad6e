package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	applog "traefik-challenge-2/internal/log"
	imetrics "traefik-challenge-2/internal/metrics"
)

const serverHeader = "NodeProxy/1.0"

// Pipeline implements the admit -> validate -> cache-lookup -> fetch ->
// cache-insert -> respond state machine. It is used directly as an
// http.Handler on the main listener and re-entered in-process by the raw
// socket listener for non-CONNECT requests.
type Pipeline struct {
	gate           *Gate
	cache          *Cache
	fetcher        *Fetcher
	admitTimeout   time.Duration
	maxRequestSize int64
}

// NewPipeline wires together the gate, cache and fetcher the pipeline drives.
func NewPipeline(gate *Gate, cache *Cache, fetcher *Fetcher, admitTimeout time.Duration, maxRequestSize int64) *Pipeline {
	return &Pipeline{
		gate:           gate,
		cache:          cache,
		fetcher:        fetcher,
		admitTimeout:   admitTimeout,
		maxRequestSize: maxRequestSize,
	}
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("Server", serverHeader)
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Connection", "close")
	w.Header().Set("X-Request-ID", requestID)

	ctx, cancel := context.WithTimeout(r.Context(), p.admitTimeout)
	defer cancel()
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		p.respondError(w, r, requestID, newPipelineError(ErrKindCapacityExhausted, "admission timed out"), "bypass", start)
		return
	}
	defer release()

	target, pErr := validate(r, p.maxRequestSize)
	if pErr != nil {
		p.respondError(w, r, requestID, pErr, "bypass", start)
		return
	}

	key := cacheKey(r.Method, target)
	if entry, hit := p.cache.Lookup(key); hit {
		p.respond(w, entry.Status, entry.ContentType, entry.Body, "hit")
		applog.Emit("info", "proxy", map[string]string{"request_id": requestID}, logLine(r, target, entry.Status, "hit", time.Since(start)))
		imetrics.ObserveResponse(entry.Status, "hit", time.Since(start))
		return
	}

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		p.respondError(w, r, requestID, newPipelineError(ErrKindBadRequest, "could not build outbound request"), "miss", start)
		return
	}
	outbound.Header = r.Header.Clone()
	outbound.Header.Set("X-Request-ID", requestID)

	result, fetchErr := p.fetcher.Fetch(r.Context(), outbound)
	if fetchErr != nil {
		p.respondError(w, r, requestID, mapFetchError(fetchErr), "miss", start)
		return
	}

	p.cache.Insert(&CacheEntry{
		Key:         key,
		Body:        result.Body,
		ContentType: result.ContentType,
		Status:      result.Status,
	})

	p.respond(w, result.Status, result.ContentType, result.Body, "miss")
	applog.Emit("info", "proxy", map[string]string{"request_id": requestID}, logLine(r, target, result.Status, "miss", time.Since(start)))
	imetrics.ObserveResponse(result.Status, "miss", time.Since(start))
}

func (p *Pipeline) respond(w http.ResponseWriter, status int, contentType string, body []byte, cacheOutcome string) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Cache", strings.ToUpper(cacheOutcome))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (p *Pipeline) respondError(w http.ResponseWriter, r *http.Request, requestID string, pErr *PipelineError, cacheOutcome string, start time.Time) {
	status := pErr.Status()
	body := []byte(errorBody(status, pErr.Detail))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)

	applog.Emit("error", "proxy", map[string]string{"request_id": requestID, "kind": string(pErr.Kind)}, logLine(r, nil, status, cacheOutcome, time.Since(start)))
	imetrics.ObserveResponse(status, cacheOutcome, time.Since(start))
}

func logLine(r *http.Request, target *url.URL, status int, cacheOutcome string, dur time.Duration) string {
	u := "-"
	if target != nil {
		u = target.String()
	} else if r != nil {
		u = r.RequestURI
	}
	method := "-"
	if r != nil {
		method = r.Method
	}
	return method + " " + u + " " + strconv.Itoa(status) + " " + cacheOutcome + " " + dur.String()
}

// cacheKey derives the request key per the method+absolute-URL scheme.
func cacheKey(method string, target *url.URL) string {
	return method + " " + target.String()
}

// validate enforces method, protocol version, URL shape and body size.
func validate(r *http.Request, maxRequestSize int64) (*url.URL, *PipelineError) {
	if r.ProtoMajor != 1 || (r.ProtoMinor != 0 && r.ProtoMinor != 1) {
		return nil, newPipelineError(ErrKindVersionUnsup, "only HTTP/1.0 and HTTP/1.1 are supported")
	}
	if r.Method != http.MethodGet {
		return nil, newPipelineError(ErrKindNotImplemented, "only GET is supported")
	}
	if r.ContentLength > maxRequestSize {
		return nil, newPipelineError(ErrKindBadRequest, "request body exceeds the configured limit")
	}

	target, err := parseAbsoluteTarget(r)
	if err != nil {
		return nil, newPipelineError(ErrKindBadRequest, err.Error())
	}
	if target.Scheme != "http" {
		return nil, newPipelineError(ErrKindForbiddenProto, "only plain http:// requests are proxied")
	}
	return target, nil
}

// parseAbsoluteTarget resolves the request's absolute-form target, collapsing
// a repeated scheme (a client mistakenly double-prefixing the URL) and
// defaulting to port 80 when none is given.
func parseAbsoluteTarget(r *http.Request) (*url.URL, error) {
	raw := r.RequestURI
	if raw == "" {
		raw = r.URL.String()
	}
	for strings.Count(raw, "://") > 1 {
		if idx := strings.Index(raw, "://"); idx >= 0 {
			rest := raw[idx+len("://"):]
			// Only a scheme directly after the first "://" is a repeated
			// prefix; a "://" later in the path or query is left alone.
			if j := strings.Index(rest, "://"); j >= 0 && !strings.ContainsAny(rest[:j], "/?#") {
				raw = raw[:idx+len("://")] + rest[j+len("://"):]
				continue
			}
		}
		break
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, errors.New("malformed request target")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("request target must be absolute-form (scheme and host)")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Host, "80")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func mapFetchError(err error) *PipelineError {
	if errors.Is(err, ErrResponseTooLarge) {
		return newPipelineError(ErrKindResponseTooLarge, "upstream response exceeded the configured size limit")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newPipelineError(ErrKindUpstreamTimeout, "upstream request timed out")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newPipelineError(ErrKindUpstreamUnreachable, "could not resolve upstream host")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return newPipelineError(ErrKindUpstreamUnreachable, "could not reach upstream host")
	}
	return newPipelineError(ErrKindUpstreamUnreachable, "upstream request failed")
}
