package proxy

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
)

// connResponseWriter is a minimal http.ResponseWriter that serializes
// directly onto a raw net.Conn, for use by the raw socket listener which
// does not run an *http.Server.
type connResponseWriter struct {
	conn        net.Conn
	bw          *bufio.Writer
	header      http.Header
	wroteHeader bool
	status      int
}

func newConnResponseWriter(conn net.Conn) *connResponseWriter {
	return &connResponseWriter{
		conn:   conn,
		bw:     bufio.NewWriter(conn),
		header: make(http.Header),
	}
}

func (w *connResponseWriter) Header() http.Header { return w.header }

func (w *connResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(b)
}

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	reason := reasonForStatus[status]
	if reason == "" {
		reason = http.StatusText(status)
	}
	_, _ = w.bw.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n")
	for k, vs := range w.header {
		for _, v := range vs {
			_, _ = w.bw.WriteString(k + ": " + v + "\r\n")
		}
	}
	_, _ = w.bw.WriteString("\r\n")
}

func (w *connResponseWriter) flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	_ = w.bw.Flush()
}
