package docker

import (
	"context"
	"io"

	"github.com/ryanmoran/engineclient/docker/transport"
)

// Transport is the part of *transport.Binder the Client needs. It allows
// injecting fakes in tests.
//
// Send must return an error only when no response was received; status
// codes are classified by the Client.
//
//	// Production code: New builds a *transport.Binder
//	c, err := docker.New(ctx, docker.WithSocket("/var/run/docker.sock"))
//
//	// Test code: inject a mock
//	c := docker.NewClient(&mockTransport{})
type Transport interface {
	Send(ctx context.Context, method, path string, opts transport.Options) (int, io.ReadCloser, error)
}

var _ Transport = (*transport.Binder)(nil)
