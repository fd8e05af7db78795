/*
Package proxy implements the HTTP gateway serving the streams through
the filter chain.

Each incoming request is handled as a stream. The stream matches the
request against the route table, creates the filter chain from the
registered factories, and passes the headers, the body chunks and the
trailers of the request through the decoder filters, and those of the
response through the encoder filters, in reverse order.

# Filter iteration

The filters control the iteration with the returned statuses. A filter
can stop the iteration of the headers, buffer the body, or stop all the
iteration until it resumes the stream with ContinueDecoding or
ContinueEncoding. The callbacks of the filters are executed on the
goroutine of the stream. A filter finishing an operation on another
goroutine posts its callback to the dispatcher of the stream.

The buffered body of a direction is limited. When the limit is exceeded,
the request is rejected with 413, and the response is replaced with a
500 response.

# Local replies

A filter can answer a stream without forwarding it upstream, by calling
SendLocalReply. Local replies are sent to the client directly, without
passing through the encoder filters.

# Upstream

The requests are forwarded to the cluster of the route, with the
configured prefix rewrite and timeout. The connection errors result in
503, the timeouts in 504.

# Routing

The routes are provided by the RouteTable, typically a
routing.Routing that reloads the routes file when it changes. The
routing of a stream can be repeated by the filters, by calling
ClearRouteCache.

# Metrics and tracing

The proxy measures the incoming requests, the responses and the
upstream requests, and creates an ingress span for each stream and a
proxy span for the upstream request.
*/
package proxy
