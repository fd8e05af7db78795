/*
Package circuit implements circuit breaking for the calls made to the
external decision services.

A breaker tracks the outcome of the calls to one decision service. While it
is open, the decision clients skip the call and report an error decision
immediately, so the failure mode policy of the filter applies without
waiting for the timeout of every call.

# Breaker Type

There are two types of breakers: consecutive and failure rate.

The consecutive breaker opens when the number of subsequent failures
reaches the configured value. The failure rate breaker opens when the
number of failures among the last N calls, the window, reaches the
configured value.

Both breakers stay open for the configured timeout, then go half-open,
letting through a limited number of calls. When these succeed, the breaker
closes, otherwise it opens again.

# Settings

Breakers are configured with BreakerSettings. Settings without a service
name are the defaults, that are merged into the settings of the individual
services:

	-decision-breaker type=consecutive,failures=5,timeout=10s
	-decision-breaker service=authz,type=rate,window=100,failures=30

The type disabled switches off the breaker of a service even when the
defaults define one.

# Registry

The Registry holds the breakers of the decision services, and drops the
ones that were not used for longer than the idle TTL.
*/
package circuit
