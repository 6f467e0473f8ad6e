package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	imetrics "traefik-challenge-2/internal/metrics"
)

// Tunnel bridges a client connection to an origin connection for CONNECT
// requests. Each direction has its own idle read deadline, reset before every
// read; when either direction ends or stays idle past it, both sides are torn
// down together.
type Tunnel struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// NewTunnel constructs a Tunnel with the given dial and idle timeouts.
func NewTunnel(connectTimeout, idleTimeout time.Duration) *Tunnel {
	return &Tunnel{connectTimeout: connectTimeout, idleTimeout: idleTimeout}
}

// Serve dials target (host:port; the port is required here, the raw listener
// adds :443 when a CONNECT target has none) and bridges client with it. It writes the 200 Connection Established preamble once the dial
// succeeds, or returns an error beforehand so the caller can respond itself.
func (t *Tunnel) Serve(client net.Conn, target string) error {
	dialer := net.Dialer{Timeout: t.connectTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), t.connectTimeout)
	defer cancel()

	origin, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	defer origin.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	imetrics.TunnelOpenedInc()
	t.pipe(client, origin)
	return nil
}

func (t *Tunnel) pipe(client, origin net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.relay(origin, client, "client_to_origin")
	}()
	go func() {
		defer wg.Done()
		t.relay(client, origin, "origin_to_client")
	}()

	wg.Wait()
}

// relay copies from src to dst, refreshing src's read deadline before every
// read. When src stays idle past idleTimeout, errors or closes, relay closes
// both connections, which also ends the relay in the other direction.
func (t *Tunnel) relay(dst io.Writer, src net.Conn, direction string) {
	buf := make([]byte, 32*1024)
	for {
		if t.idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
			imetrics.TunnelBytesAdd(direction, int64(n))
		}
		if err != nil {
			break
		}
	}
	if c, ok := dst.(net.Conn); ok {
		_ = c.Close()
	}
	_ = src.Close()
}
