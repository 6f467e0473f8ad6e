package proxy_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"traefik-challenge-2/internal/proxy"
)

func newTestPipeline(t *testing.T, maxConcurrent int) (*proxy.Pipeline, *proxy.Cache) {
	t.Helper()
	gate := proxy.NewGate(maxConcurrent)
	cache := proxy.NewCache(1<<20, 1<<20, time.Hour, time.Hour)
	t.Cleanup(cache.Close)
	fetcher := proxy.NewFetcher(time.Second, time.Second, 1<<20, 0)
	return proxy.NewPipeline(gate, cache, fetcher, time.Second, 4096), cache
}

// doGet builds a GET request the way the proxy actually receives one: an
// absolute-form target, HTTP/1.1. http.NewRequest (not httptest.NewRequest,
// which synthesizes an HTTP/1.0 request line) gives us that directly.
func doGet(t *testing.T, p *proxy.Pipeline, target string) *httptest.ResponseRecorder {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)
	return w
}

func TestPipeline_MissThenHit(t *testing.T) {
	var hits int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(up.Close)

	p, _ := newTestPipeline(t, 10)
	target := "http://" + up.Listener.Addr().String() + "/"

	w1 := doGet(t, p, target)
	if w1.Code != 200 || w1.Body.String() != "hello" {
		t.Fatalf("first request: code=%d body=%q", w1.Code, w1.Body.String())
	}
	if got := w1.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("expected MISS, got %q", got)
	}

	w2 := doGet(t, p, target)
	if w2.Code != 200 || w2.Body.String() != "hello" {
		t.Fatalf("second request: code=%d body=%q", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected HIT, got %q", got)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected exactly one upstream hit, got %d", n)
	}
}

func TestPipeline_RejectsNonGetMethod(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodPost, "http://example.com/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Code != 501 {
		t.Fatalf("want 501, got %d", w.Code)
	}
}

func TestPipeline_RejectsNonHTTPScheme(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Code != 403 {
		t.Fatalf("want 403, got %d", w.Code)
	}
}

func TestPipeline_RejectsOversizedRequestBody(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.ContentLength = 1 << 20
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Code != 400 {
		t.Fatalf("want 400, got %d", w.Code)
	}
}

func TestPipeline_SetsServerAndRequestIDHeaders(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Header().Get("Server") != "NodeProxy/1.0" {
		t.Fatalf("unexpected Server header: %q", w.Header().Get("Server"))
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a non-empty X-Request-ID header")
	}
}

func TestPipeline_UnresolvableHostMapsTo502(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	target := "http://host.invalid.example.does-not-resolve/"
	w := doGet(t, p, target)

	if w.Code != 502 {
		t.Fatalf("want 502, got %d body=%q", w.Code, w.Body.String())
	}
}

func TestPipeline_AdmissionSaturationRejectsRequest(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	}))
	t.Cleanup(up.Close)

	gate := proxy.NewGate(1)
	cache := proxy.NewCache(1<<20, 1<<20, time.Hour, time.Hour)
	t.Cleanup(cache.Close)
	fetcher := proxy.NewFetcher(time.Second, time.Second, 1<<20, 0)
	p := proxy.NewPipeline(gate, cache, fetcher, 20*time.Millisecond, 4096)

	target := "http://" + up.Listener.Addr().String() + "/"

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w := doGet(t, p, target)
			results <- w.Code
		}()
	}

	codes := []int{<-results, <-results}
	var sawOK, sawRejected bool
	for _, c := range codes {
		switch c {
		case 200:
			sawOK = true
		case 503:
			sawRejected = true
		default:
			t.Fatalf("unexpected status code: %d", c)
		}
	}
	if !sawOK {
		t.Fatalf("expected at least one request to succeed: %v", codes)
	}
	// The slot is held for the upstream's 200ms delay, far beyond the 20ms
	// admission timeout, so the other request is refused.
	if !sawRejected {
		t.Fatalf("expected one request to be rejected with 503: %v", codes)
	}
}

func TestPipeline_AcceptsHTTP10(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(up.Close)

	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodGet, "http://"+up.Listener.Addr().String()+"/", nil)
	r.ProtoMajor, r.ProtoMinor = 1, 0
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Code != 200 {
		t.Fatalf("want 200 for HTTP/1.0, got %d body=%q", w.Code, w.Body.String())
	}
}

func TestPipeline_UnsupportedProtocolVersionMapsTo505(t *testing.T) {
	p, _ := newTestPipeline(t, 10)
	r, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.ProtoMajor, r.ProtoMinor = 0, 9
	w := httptest.NewRecorder()
	p.ServeHTTP(w, r)

	if w.Code != 505 {
		t.Fatalf("want 505, got %d", w.Code)
	}
}

func TestPipeline_OversizedUpstreamResponseMapsTo413(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this response body is too large for the cap"))
	}))
	t.Cleanup(up.Close)

	gate := proxy.NewGate(10)
	cache := proxy.NewCache(1<<20, 1<<20, time.Hour, time.Hour)
	t.Cleanup(cache.Close)
	fetcher := proxy.NewFetcher(time.Second, time.Second, 4, 0)
	p := proxy.NewPipeline(gate, cache, fetcher, time.Second, 4096)

	w := doGet(t, p, "http://"+up.Listener.Addr().String()+"/")
	if w.Code != 413 {
		t.Fatalf("want 413, got %d", w.Code)
	}
}

func TestPipeline_UpstreamConnectionRefusedMapsTo502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now

	p, _ := newTestPipeline(t, 10)
	w := doGet(t, p, "http://"+addr+"/")
	if w.Code != 502 {
		t.Fatalf("want 502, got %d body=%q", w.Code, w.Body.String())
	}
}
