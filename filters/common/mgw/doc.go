/*
Package mgw contains the parts of the external decision filter that do not
depend on the stream state: the decision client contract, the gRPC and the
plain HTTP decision clients, and the construction of the attribute context
sent to the decision service.

A decision call is asynchronous. Check and Intercept return immediately
with a Handle, and the decision is delivered later on the dispatcher of the
stream, or synchronously, before Check or Intercept returns, when the call
can be decided locally, e.g. because the circuit breaker of the decision
service is open. Cancelling the handle guarantees that the callbacks are
not invoked anymore.
*/
package mgw
