package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// ResponseWriter records the status code and the number of body bytes
// written through it, for the access log.
type ResponseWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{writer: w}
}

func (lw *ResponseWriter) Write(data []byte) (count int, err error) {
	if lw.code == 0 {
		lw.code = http.StatusOK
	}

	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *ResponseWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = 200
	}
	lw.code = code
}

func (lw *ResponseWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *ResponseWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hij, ok := lw.writer.(http.Hijacker)
	if ok {
		return hij.Hijack()
	}
	return nil, nil, fmt.Errorf("could not hijack connection")
}

// StatusCode returns the written status code, or 0 when nothing was
// written yet.
func (lw *ResponseWriter) StatusCode() int { return lw.code }

// BytesWritten returns the number of body bytes written.
func (lw *ResponseWriter) BytesWritten() int64 { return lw.bytes }
