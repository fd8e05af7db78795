package pipeline

import (
	"net/http"
	"strconv"
	"strings"
)

// Pseudo header names, following the HTTP/2 conventions.
const (
	MethodHeader    = ":method"
	PathHeader      = ":path"
	AuthorityHeader = ":authority"
	SchemeHeader    = ":scheme"
	StatusHeader    = ":status"
	ProtocolHeader  = ":protocol"
)

// HeaderMap is an ordered, case-insensitive multi map of header entries.
// Keys are stored lower cased.
type HeaderMap interface {
	// Get returns the value of the first entry with the key.
	Get(key string) (string, bool)

	// Values returns the values of every entry with the key, in insertion
	// order.
	Values(key string) []string

	// Set replaces every entry with the key by a single entry.
	Set(key, value string)

	// Add appends a new entry, keeping the existing ones with the same
	// key.
	Add(key, value string)

	// Del removes every entry with the key.
	Del(key string)

	// Range calls f for every entry in insertion order, until f returns
	// false.
	Range(f func(key, value string) bool)

	// Len returns the number of entries.
	Len() int
}

type headerEntry struct {
	key, value string
}

// Headers is the default HeaderMap implementation.
type Headers struct {
	entries []headerEntry
}

var _ HeaderMap = (*Headers)(nil)

// NewHeaders creates an empty header map.
func NewHeaders() *Headers {
	return &Headers{}
}

// NewRequestHeaders creates the header map of an incoming request,
// including the request pseudo headers.
func NewRequestHeaders(r *http.Request) *Headers {
	h := NewHeaders()
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	h.Add(MethodHeader, r.Method)
	h.Add(PathHeader, r.URL.RequestURI())
	h.Add(AuthorityHeader, r.Host)
	h.Add(SchemeHeader, scheme)
	addHTTPHeader(h, r.Header)
	return h
}

// NewResponseHeaders creates the header map of a response, including the
// :status pseudo header.
func NewResponseHeaders(statusCode int, header http.Header) *Headers {
	h := NewHeaders()
	h.Add(StatusHeader, strconv.Itoa(statusCode))
	addHTTPHeader(h, header)
	return h
}

// NewTrailers creates a header map from HTTP trailers.
func NewTrailers(trailer http.Header) *Headers {
	h := NewHeaders()
	addHTTPHeader(h, trailer)
	return h
}

func addHTTPHeader(h *Headers, header http.Header) {
	for k, vs := range header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
}

// HTTPHeader converts the regular entries of a header map into an
// http.Header. Pseudo headers are skipped.
func HTTPHeader(h HeaderMap) http.Header {
	header := make(http.Header, h.Len())
	h.Range(func(k, v string) bool {
		if !strings.HasPrefix(k, ":") {
			header.Add(k, v)
		}

		return true
	})

	return header
}

func (h *Headers) Get(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, e := range h.entries {
		if e.key == key {
			return e.value, true
		}
	}

	return "", false
}

func (h *Headers) Values(key string) []string {
	key = strings.ToLower(key)
	var values []string
	for _, e := range h.entries {
		if e.key == key {
			values = append(values, e.value)
		}
	}

	return values
}

func (h *Headers) Set(key, value string) {
	key = strings.ToLower(key)
	for i, e := range h.entries {
		if e.key == key {
			h.entries[i].value = value
			h.entries = append(h.entries[:i+1], removeKey(h.entries[i+1:], key)...)
			return
		}
	}

	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

func (h *Headers) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: strings.ToLower(key), value: value})
}

func (h *Headers) Del(key string) {
	h.entries = removeKey(h.entries, strings.ToLower(key))
}

func (h *Headers) Range(f func(key, value string) bool) {
	for _, e := range h.entries {
		if !f(e.key, e.value) {
			return
		}
	}
}

func (h *Headers) Len() int {
	return len(h.entries)
}

func removeKey(entries []headerEntry, key string) []headerEntry {
	kept := entries[:0]
	for _, e := range entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}

	return kept
}

// IsWebSocketUpgradeRequest tells whether the headers ask for a WebSocket
// upgrade of an HTTP/1.1 connection.
func IsWebSocketUpgradeRequest(h HeaderMap) bool {
	connection, _ := h.Get("connection")
	upgrade, _ := h.Get("upgrade")
	return headerHasToken(connection, "upgrade") && strings.EqualFold(upgrade, "websocket")
}

// IsH2UpgradeRequest tells whether the headers are an HTTP/2 extended
// CONNECT, used for tunneling upgrades over HTTP/2.
func IsH2UpgradeRequest(h HeaderMap) bool {
	method, _ := h.Get(MethodHeader)
	protocol, ok := h.Get(ProtocolHeader)
	return method == http.MethodConnect && ok && protocol != ""
}

func headerHasToken(value, token string) bool {
	for _, v := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}

	return false
}
