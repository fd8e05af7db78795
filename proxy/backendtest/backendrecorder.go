// Package backendtest provides an upstream for tests, recording the
// requests it receives and answering with their body.
package backendtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	log "github.com/sirupsen/logrus"
)

type RecordedRequest struct {
	Method  string
	Host    string
	Path    string
	Query   string
	Header  http.Header
	Body    string
	Trailer http.Header
}

// Recorder echoes the request bodies, and records the requests. The
// response can be customized by setting Response before the first
// request.
type Recorder struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []RecordedRequest

	// Response, when set, writes the response instead of echoing the
	// request body.
	Response func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (rec *Recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("backendrecorder: error while reading request body")
	}

	rec.mu.Lock()
	rec.requests = append(rec.requests, RecordedRequest{
		Method:  r.Method,
		Host:    r.Host,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Header:  r.Header.Clone(),
		Body:    string(body),
		Trailer: r.Trailer.Clone(),
	})
	respond := rec.Response
	rec.mu.Unlock()

	if respond != nil {
		respond(w, r, body)
		return
	}

	if _, err := w.Write(body); err != nil {
		log.Error("backendrecorder: error while writing the response body")
	}
}

// Requests returns the requests received so far.
func (rec *Recorder) Requests() []RecordedRequest {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]RecordedRequest(nil), rec.requests...)
}

func (rec *Recorder) URL() string {
	return rec.server.URL
}

func (rec *Recorder) Close() {
	rec.server.Close()
}

// NewRecorder starts a recording upstream.
func NewRecorder() *Recorder {
	rec := &Recorder{}
	rec.server = httptest.NewServer(rec)
	return rec
}
