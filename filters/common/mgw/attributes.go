package mgw

import (
	"net"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/zalando/mgw/pipeline"
)

const (
	// PartialBodyHeader tells the decision service whether the body in
	// the attribute context was truncated.
	PartialBodyHeader = "x-envoy-auth-partial-body"

	// DownstreamServiceClusterHeader names the service of the client.
	DownstreamServiceClusterHeader = "x-envoy-downstream-service-cluster"
)

// CreateHTTPCheck creates the decision request of a message. body is the
// buffered body of the message direction, it can be nil. At most
// maxBodyBytes of the body are copied into the request. The returned
// request owns its contents, it is safe to use after the stream is gone.
func CreateHTTPCheck(
	cb pipeline.StreamFilterCallbacks,
	headers pipeline.HeaderMap,
	body pipeline.Buffer,
	contextExtensions map[string]string,
	metadataContext *corev3.Metadata,
	maxBodyBytes uint32,
	includePeerCertificate bool,
) *authv3.CheckRequest {
	service, _ := headers.Get(DownstreamServiceClusterHeader)
	conn := cb.Connection()

	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Source:            peer(conn, service, false, includePeerCertificate),
			Destination:       peer(conn, "", true, includePeerCertificate),
			Request:           request(cb, headers, body, maxBodyBytes),
			ContextExtensions: contextExtensions,
			MetadataContext:   metadataContext,
		},
	}
}

// principal returns the first URI SAN, the first DNS SAN, or the subject
// of the certificate, in this order.
func principal(uriSANs, dnsSANs []string, subject string) string {
	if len(uriSANs) > 0 {
		return uriSANs[0]
	}

	if len(dnsSANs) > 0 {
		return dnsSANs[0]
	}

	return subject
}

func peer(conn pipeline.Connection, service string, local, includeCertificate bool) *authv3.AttributeContext_Peer {
	p := &authv3.AttributeContext_Peer{Service: service}
	if conn == nil {
		return p
	}

	if local {
		p.Address = socketAddress(conn.LocalAddr())
	} else {
		p.Address = socketAddress(conn.RemoteAddr())
	}

	ssl := conn.SSL()
	if ssl == nil {
		return p
	}

	if local {
		p.Principal = principal(ssl.URISANLocalCertificate(), ssl.DNSSANsLocalCertificate(), ssl.SubjectLocalCertificate())
		return p
	}

	p.Principal = principal(ssl.URISANPeerCertificate(), ssl.DNSSANsPeerCertificate(), ssl.SubjectPeerCertificate())
	if includeCertificate {
		p.Certificate = ssl.URLEncodedPEMEncodedPeerCertificate()
	}

	return p
}

func socketAddress(addr net.Addr) *corev3.Address {
	if addr == nil {
		return nil
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return &corev3.Address{Address: &corev3.Address_Pipe{Pipe: &corev3.Pipe{Path: addr.String()}}}
	}

	p, _ := strconv.ParseUint(port, 10, 32)
	return &corev3.Address{
		Address: &corev3.Address_SocketAddress{
			SocketAddress: &corev3.SocketAddress{
				Address:       host,
				PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: uint32(p)},
			},
		},
	}
}

func request(cb pipeline.StreamFilterCallbacks, headers pipeline.HeaderMap, body pipeline.Buffer, maxBodyBytes uint32) *authv3.AttributeContext_Request {
	info := cb.StreamInfo()
	h := &authv3.AttributeContext_HttpRequest{
		Id:       strconv.FormatUint(cb.StreamID(), 10),
		Size:     contentLength(headers),
		Protocol: info.Protocol(),
		Headers:  snapshotHeaders(headers),
	}

	h.Method, _ = headers.Get(pipeline.MethodHeader)
	h.Host, _ = headers.Get(pipeline.AuthorityHeader)
	h.Scheme, _ = headers.Get(pipeline.SchemeHeader)
	h.Path, _ = headers.Get(pipeline.PathHeader)

	target, fragment, _ := strings.Cut(h.Path, "#")
	_, h.Query, _ = strings.Cut(target, "?")
	h.Fragment = fragment

	if maxBodyBytes > 0 && body != nil {
		raw := pipeline.CopyOut(body, int(maxBodyBytes))
		h.Body = string(raw)
		h.RawBody = raw
		h.Headers[PartialBodyHeader] = strconv.FormatBool(len(raw) != body.Len())
	}

	return &authv3.AttributeContext_Request{
		Time: timestamppb.New(info.StartTime()),
		Http: h,
	}
}

func contentLength(headers pipeline.HeaderMap) int64 {
	v, ok := headers.Get("content-length")
	if !ok {
		return -1
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}

func snapshotHeaders(headers pipeline.HeaderMap) map[string]string {
	snapshot := make(map[string]string, headers.Len())
	headers.Range(func(k, v string) bool {
		k = strings.ToLower(k)
		if k == PartialBodyHeader {
			return true
		}

		if current, ok := snapshot[k]; ok {
			snapshot[k] = current + "," + v
		} else {
			snapshot[k] = v
		}

		return true
	})

	return snapshot
}
