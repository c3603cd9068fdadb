package grpcsource

import (
	"crypto/tls"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Serve starts backend on a TLS listener bound to addr, serving in a
// background goroutine, and returns immediately with the *grpc.Server.
// Callers stop it by calling Stop or GracefulStop on that server.
func Serve(addr string, tlsConfig *tls.Config, backend *Backend) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcsource: listen on %s: %w", addr, err)
	}

	creds := credentials.NewTLS(tlsConfig)
	srv := grpc.NewServer(grpc.Creds(creds))
	RegisterServer(srv, backend)

	go func() {
		_ = srv.Serve(lis)
	}()
	return srv, nil
}
