/*
Package mgw provides an HTTP gateway that delegates the decision about
each request, and optionally each response, to an external decision
service.

The gateway works as an HTTP reverse proxy that matches the incoming
requests against the virtual hosts and routes of a routes file, and
forwards them to the configured clusters. Every stream passes through a
chain of filters. The decision filter, registered as
envoy.filters.http.mgw, sends the headers, and optionally the buffered
body, of the request or the response to the decision service, then
continues, modifies or rejects the stream according to the answer.

The decision service is called over gRPC, implementing the
envoy.service.auth.v3.Authorization service, or over plain HTTP, where
any status other than 200 rejects the stream.

# Quickstart

Build and start the gateway with a routes file and a decision filter
configuration:

	go build ./cmd/mgw
	./mgw -routes-file routes.yaml -mgw-config-file mgw.yaml

A minimal routes file:

	clusters:
	- name: backend
	  address: http://localhost:9090
	- name: decision
	  address: http://localhost:9001
	virtual_hosts:
	- name: local
	  domains: ["*"]
	  routes:
	  - name: default
	    match: {prefix: /}
	    route: {cluster: backend}

The decision filter configuration has a request and a response block,
see filters/mgw.Config:

	request:
	  grpc_service:
	    envoy_grpc: {cluster_name: decision}
	    timeout: 0.5s
	  with_request_body: {max_request_bytes: 8192}
	  failure_mode_allow: false

An example decision service is available in cmd/mgw-decision.

# Per route configuration

Routes and virtual hosts can disable the decision filter or extend the
context sent to the decision service:

	routes:
	- name: public
	  match: {prefix: /public}
	  route: {cluster: backend}
	  typed_per_filter_config:
	    envoy.filters.http.mgw: {disabled: true}

# Runtime

The routes file is polled for changes and reloaded without restarting
the gateway. The decision filter configuration is loaded only at
startup.

The metrics are exposed on the support listener, in the codahale or the
prometheus format. The decision filter counts the decisions per
direction, in the mgw.<direction>.ok, denied, error and
failure_mode_allowed counters.

# Extending the gateway

The gateway can be started from Go code, with additional filters:

	mgw.Run(mgw.Options{
		Address:       ":9090",
		RoutesFile:    "routes.yaml",
		CustomFilters: []pipeline.FilterFactory{myFilterFactory},
		Filters:       []string{"my-filter", mgwfilter.Name},
	})

See the pipeline package for the filter interfaces.
*/
package mgw
