package main

import (
	"context"
	"os"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/genproto/googleapis/rpc/status"
	"sigs.k8s.io/yaml"
)

type users map[string]string

func loadUsers(name string) (users, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	var u users
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, err
	}

	return u, nil
}

type server struct {
	authv3.UnimplementedAuthorizationServer
	users users
}

func newServer(u users) *server {
	return &server{users: u}
}

func (s *server) user(authorization string) (string, bool) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return "", false
	}

	u, ok := s.users[strings.TrimSpace(token)]
	return u, ok
}

func (s *server) Check(_ context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	h := req.GetAttributes().GetRequest().GetHttp()
	if u, ok := s.user(h.GetHeaders()["authorization"]); ok {
		log.Debugf("allowed %s %s for %s", h.GetMethod(), h.GetPath(), u)
		return &authv3.CheckResponse{
			Status: &status.Status{Code: int32(code.Code_OK)},
			HttpResponse: &authv3.CheckResponse_OkResponse{
				OkResponse: &authv3.OkHttpResponse{
					Headers: []*corev3.HeaderValueOption{{
						Header:       &corev3.HeaderValue{Key: "x-current-user", Value: u},
						AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
					}},
				},
			},
		}, nil
	}

	log.Debugf("denied %s %s", h.GetMethod(), h.GetPath())
	return &authv3.CheckResponse{
		Status: &status.Status{Code: int32(code.Code_PERMISSION_DENIED)},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode_Unauthorized},
				Headers: []*corev3.HeaderValueOption{{
					Header: &corev3.HeaderValue{Key: "www-authenticate", Value: "Bearer"},
				}},
				Body: "unauthorized",
			},
		},
	}, nil
}
