package mgw

// CheckStatus is the outcome of a decision call.
type CheckStatus int

const (
	// OK allows the message, optionally with modified headers.
	OK CheckStatus = iota

	// Denied rejects the message with a local reply.
	Denied

	// Error means that no decision could be made: transport failure,
	// timeout or malformed response.
	Error
)

func (s CheckStatus) String() string {
	switch s {
	case OK:
		return "ok"
	case Denied:
		return "denied"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Header is a single header entry. The same key can appear multiple
// times in a list of headers.
type Header struct {
	Key   string
	Value string
}

// Response is the decision returned by the decision service.
type Response struct {
	Status CheckStatus

	// StatusCode is the status of the local reply of a denied message.
	StatusCode int

	// HeadersToAdd are set on the message when allowed, and on the local
	// reply when denied.
	HeadersToAdd []Header

	// HeadersToAppend are added to the headers already present on an
	// allowed message.
	HeadersToAppend []Header

	Body string

	// Err holds the cause of an Error decision.
	Err error
}

// ErrorResponse creates an Error decision.
func ErrorResponse(err error) *Response {
	return &Response{Status: Error, Err: err}
}

// RequestCallbacks receive the decisions of the request path.
type RequestCallbacks interface {
	OnComplete(*Response)
}

// ResponseCallbacks receive the decisions of the response path.
type ResponseCallbacks interface {
	OnResponseComplete(*Response)
}
