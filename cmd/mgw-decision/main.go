/*
This command provides an example decision service for the gateway,
implementing the envoy.service.auth.v3.Authorization gRPC service.

The requests with a known bearer token are allowed, and the user is
passed upstream in the x-current-user header. The other requests are
denied.

	mgw-decision -address :9001 -users users.yaml

The users file maps the tokens to the user names:

	token1: alice
	token2: bob
*/
package main

import (
	"flag"
	"net"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

func main() {
	address := flag.String("address", ":9001", "network address of the gRPC listener")
	usersFile := flag.String("users", "users.yaml", "file mapping the bearer tokens to the user names")
	flag.Parse()

	users, err := loadUsers(*usersFile)
	if err != nil {
		log.Fatalf("Failed to load the users from %s: %v", *usersFile, err)
	}

	l, err := net.Listen("tcp", *address)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *address, err)
	}

	gs := grpc.NewServer()
	authv3.RegisterAuthorizationServer(gs, newServer(users))

	log.Infof("Listening on %v", l.Addr())
	log.Fatal(gs.Serve(l))
}
