/*
Package pipeline defines the contracts between the HTTP stream pipeline
and the stream filters it drives.

A stream filter sees one HTTP exchange as two independent directions. The
decode direction carries the downstream request towards the upstream, the
encode direction carries the upstream response back to the client. Each
direction delivers headers, zero or more data chunks and optional trailers,
strictly in this order. After every event the filter answers with a status
telling the pipeline whether to continue iterating the remaining filters or
to stop, and whether the body received in the meantime should be buffered.

A filter that stopped iteration resumes it by calling ContinueDecoding or
ContinueEncoding on its callbacks. All calls into a filter for one stream
happen on the stream's dispatcher goroutine; work completed elsewhere must
be handed back with Dispatcher.Post.

Filters are created by a FilterFactory registered in a Registry. The
registry is an explicit table, populated at startup:

	registry := make(pipeline.Registry)
	registry.Register(factory)

Besides the contracts, the package provides the concrete header map and
body buffer implementations used by the proxy, and the connection and
stream info accessors derived from an incoming *http.Request.
*/
package pipeline
