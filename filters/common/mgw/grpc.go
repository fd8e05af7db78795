package mgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/opentracing/opentracing-go"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zalando/mgw/circuit"
)

var errNoCheckResponse = errors.New("empty check response")

// GrpcOptions configure a GrpcClient.
type GrpcOptions struct {
	// Target is the gRPC target of the decision service, e.g.
	// dns:///authz.example.org:9000.
	Target string

	// Timeout of a single call, defaults to DefaultTimeout.
	Timeout time.Duration

	// Tracer is used when the stream has no active span.
	Tracer opentracing.Tracer

	// Breakers are looked up by Target. Nil disables circuit breaking.
	Breakers *circuit.Registry

	// DialOptions are added to the default insecure transport
	// credentials.
	DialOptions []grpc.DialOption
}

// GrpcClient calls the Check method of an envoy.service.auth.v3
// Authorization service.
type GrpcClient struct {
	*caller
	conn   *grpc.ClientConn
	client authv3.AuthorizationClient
}

var _ Client = (*GrpcClient)(nil)

// NewGrpcClient creates a client of the decision service at o.Target. The
// connection is established lazily by the first call.
func NewGrpcClient(o GrpcOptions) (*GrpcClient, error) {
	if o.Target == "" {
		return nil, errors.New("missing gRPC target")
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	dialOptions := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.DialOptions...)
	conn, err := grpc.NewClient(o.Target, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", o.Target, err)
	}

	c := &GrpcClient{
		conn:   conn,
		client: authv3.NewAuthorizationClient(conn),
	}

	c.caller = &caller{
		operation: "mgw_grpc",
		service:   o.Target,
		timeout:   o.Timeout,
		tracer:    o.Tracer,
		breakers:  o.Breakers,
		decide:    c.check,
	}

	return c, nil
}

func (c *GrpcClient) check(ctx context.Context, req *authv3.CheckRequest) *Response {
	rsp, err := c.client.Check(ctx, req)
	return toResponse(rsp, err)
}

// Close closes the connection to the decision service.
func (c *GrpcClient) Close() error {
	return c.conn.Close()
}

func toResponse(rsp *authv3.CheckResponse, err error) *Response {
	if err != nil {
		return ErrorResponse(err)
	}

	if rsp == nil || rsp.GetStatus() == nil {
		return ErrorResponse(errNoCheckResponse)
	}

	if code.Code(rsp.GetStatus().GetCode()) == code.Code_OK {
		r := &Response{Status: OK, StatusCode: http.StatusOK}
		for _, h := range rsp.GetOkResponse().GetHeaders() {
			header := Header{Key: h.GetHeader().GetKey(), Value: h.GetHeader().GetValue()}
			if h.GetAppend().GetValue() {
				r.HeadersToAppend = append(r.HeadersToAppend, header)
			} else {
				r.HeadersToAdd = append(r.HeadersToAdd, header)
			}
		}

		return r
	}

	denied := rsp.GetDeniedResponse()
	r := &Response{
		Status:     Denied,
		StatusCode: int(denied.GetStatus().GetCode()),
		Body:       denied.GetBody(),
	}

	if r.StatusCode == 0 {
		r.StatusCode = http.StatusForbidden
	}

	for _, h := range denied.GetHeaders() {
		r.HeadersToAdd = append(r.HeadersToAdd, Header{Key: h.GetHeader().GetKey(), Value: h.GetHeader().GetValue()})
	}

	return r
}
