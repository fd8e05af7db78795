package logging

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	dateFormat      = "02/Jan/2006:15:04:05 -0700"
	commonLogFormat = `%s - - [%s] "%s %s %s" %d %d`
	// format:
	// remote_host - - [date] "method uri protocol" status response_size "referer" "user_agent"
	combinedLogFormat = commonLogFormat + ` "%s" "%s"`
	// duration in ms, requested host, request id, response flags and details
	accessLogFormat = combinedLogFormat + " %d %s %s %s %s\n"
)

type accessLogFormatter struct {
	format string
}

// AccessEntry is an access log entry.
type AccessEntry struct {

	// The client request.
	Request *http.Request

	// The status code of the response.
	StatusCode int

	// The size of the response in bytes.
	ResponseSize int64

	// The time spent processing request.
	Duration time.Duration

	// The time that the request was received.
	RequestTime time.Time

	// The x-request-id of the stream.
	RequestID string

	// The string form of the response flags, "-" when none.
	ResponseFlags string

	// Why the response has the status code, e.g. "mgw_denied".
	ResponseCodeDetails string
}

var accessLog *logrus.Logger

// remoteHost returns the client address without the port, preferring
// the X-Forwarded-For header.
func remoteHost(r *http.Request) string {
	a := r.Header.Get("X-Forwarded-For")
	if a == "" {
		a = r.RemoteAddr
	}

	if h, _, err := net.SplitHostPort(a); err == nil {
		a = h
	}

	return orDash(a)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

var accessLogKeys = []string{
	"host", "timestamp", "method", "uri", "proto",
	"status", "response-size", "referer", "user-agent",
	"duration", "requested-host", "request-id", "flags",
	"details",
}

func (f *accessLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	values := make([]any, len(accessLogKeys))
	for i, key := range accessLogKeys {
		values[i] = e.Data[key]
	}

	return fmt.Appendf(nil, f.format, values...), nil
}

// LogAccess logs an access event in Apache combined log format, extended
// with the duration and the stream details.
func LogAccess(entry *AccessEntry) {
	if accessLog == nil || entry == nil {
		return
	}

	fields := logrus.Fields{
		"timestamp":      entry.RequestTime.Format(dateFormat),
		"host":           "-",
		"method":         "",
		"uri":            "",
		"proto":          "",
		"referer":        "",
		"user-agent":     "",
		"requested-host": "-",
		"status":         entry.StatusCode,
		"response-size":  entry.ResponseSize,
		"duration":       entry.Duration.Milliseconds(),
		"request-id":     orDash(entry.RequestID),
		"flags":          orDash(entry.ResponseFlags),
		"details":        orDash(entry.ResponseCodeDetails),
	}

	if r := entry.Request; r != nil {
		fields["host"] = remoteHost(r)
		fields["method"] = r.Method
		fields["uri"] = r.RequestURI
		fields["proto"] = r.Proto
		fields["referer"] = r.Referer()
		fields["user-agent"] = r.UserAgent()
		fields["requested-host"] = orDash(r.Host)
	}

	accessLog.WithFields(fields).Infoln()
}
