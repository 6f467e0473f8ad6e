package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	applog "traefik-challenge-2/internal/log"
)

// errHeaderTooLarge signals that a raw connection's request line and headers
// exceeded maxRequestSize before the end-of-headers marker was found.
var errHeaderTooLarge = errors.New("rawlistener: request headers exceeded the configured size limit")

// RawListener accepts raw TCP connections on the proxy's secondary port and
// parses the request with http.ReadRequest: CONNECT requests are routed to
// the tunnel, every other method is re-entered through the same Pipeline
// used by the main HTTP listener, in-process.
type RawListener struct {
	pipeline       *Pipeline
	tunnel         *Tunnel
	maxRequestSize int64
	readTimeout    time.Duration
}

// NewRawListener wires the raw socket front door to the shared pipeline and tunnel.
func NewRawListener(pipeline *Pipeline, tunnel *Tunnel, maxRequestSize int64, readTimeout time.Duration) *RawListener {
	return &RawListener{pipeline: pipeline, tunnel: tunnel, maxRequestSize: maxRequestSize, readTimeout: readTimeout}
}

// Serve accepts connections on ln until Accept fails, e.g. because ln was closed.
func (l *RawListener) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.handle(conn)
	}
}

func (l *RawListener) handle(conn net.Conn) {
	defer conn.Close()

	if l.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	}

	head, err := l.readBoundedHeaders(conn)
	if err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			writeRawError(conn, 413, "")
		} else if !errors.Is(err, io.EOF) {
			writeRawError(conn, 400, "")
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	reader := bufio.NewReader(io.MultiReader(bytes.NewReader(head), conn))
	req, err := http.ReadRequest(reader)
	if err != nil {
		writeRawError(conn, 400, "")
		return
	}

	if req.Method == http.MethodConnect {
		l.handleConnect(conn, req)
		return
	}

	req.RequestURI = req.URL.String()
	w := newConnResponseWriter(conn)
	l.pipeline.ServeHTTP(w, req)
	w.flush()
}

// readBoundedHeaders reads from conn in 512-byte chunks until it sees
// the end-of-headers marker, returning everything read so far so it can be
// replayed ahead of the connection into http.ReadRequest. It gives up with
// errHeaderTooLarge once maxRequestSize is exceeded without finding one.
func (l *RawListener) readBoundedHeaders(conn net.Conn) ([]byte, error) {
	limit := l.maxRequestSize
	if limit <= 0 {
		limit = 1 << 20
	}

	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if bytes.Contains(buf, []byte("\r\n\r\n")) {
				return buf, nil
			}
			if int64(len(buf)) > limit {
				return nil, errHeaderTooLarge
			}
		}
		if err != nil {
			if err == io.EOF && len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (l *RawListener) handleConnect(conn net.Conn, req *http.Request) {
	target := req.Host
	if target == "" {
		target = req.URL.Host
	}
	if !strings.Contains(target, ":") {
		target += ":443"
	}
	if err := l.tunnel.Serve(conn, target); err != nil {
		applog.Emit("error", "proxy", nil, "connect "+target+" failed: "+err.Error())
		writeRawError(conn, 502, "")
	}
}

// writeRawError writes the raw protocol's plain single-line error format:
// a status code, a reason phrase, and nothing else.
func writeRawError(conn net.Conn, status int, reason string) {
	if reason == "" {
		reason = reasonForStatus[status]
	}
	_, _ = conn.Write([]byte(strconv.Itoa(status) + " " + reason + "\r\n"))
}
