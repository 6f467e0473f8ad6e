package server_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"traefik-challenge-2/internal/config"
	"traefik-challenge-2/internal/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// doProxyGET issues a forward-proxy-shaped request: the request line carries
// the absolute target URL, per the proxy's external contract.
func doProxyGET(t *testing.T, proxyPort int, target string) *http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(proxyPort), 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	req := "GET " + target + " HTTP/1.1\r\nHost: proxy\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestServer_EndToEndColdThenWarmCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin-body"))
	}))
	t.Cleanup(origin.Close)

	cfg := config.Load()
	cfg.Port = freePort(t)
	cfg.AdmitTimeout = time.Second
	cfg.MaxRetries = 0

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	time.Sleep(50 * time.Millisecond) // let the listeners come up

	targetURL := "http://" + origin.Listener.Addr().String() + "/"

	resp1 := doProxyGET(t, cfg.Port, targetURL)
	if resp1.StatusCode != 200 {
		t.Fatalf("first response: %d", resp1.StatusCode)
	}
	if resp1.Header.Get("X-Cache") != "MISS" {
		t.Fatalf("expected MISS, got %q", resp1.Header.Get("X-Cache"))
	}

	resp2 := doProxyGET(t, cfg.Port, targetURL)
	if resp2.StatusCode != 200 {
		t.Fatalf("second response: %d", resp2.StatusCode)
	}
	if resp2.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("expected HIT, got %q", resp2.Header.Get("X-Cache"))
	}
}

func TestServer_TunnelEstablishesConnectViaRawPort(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(origin.Close)

	cfg := config.Load()
	cfg.Port = freePort(t)

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(cfg.Port+1), 2*time.Second)
	if err != nil {
		t.Fatalf("dial raw port: %v", err)
	}
	defer conn.Close()

	target := origin.Listener.Addr().String()
	if _, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected preamble: %q", line)
	}
}
