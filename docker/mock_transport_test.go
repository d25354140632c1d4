package docker_test

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/ryanmoran/engineclient/docker/transport"
)

type sentRequest struct {
	Method string
	Path   string
	Opts   transport.Options
}

// mockTransport is a mock implementation of docker.Transport for testing
type mockTransport struct {
	sendFunc  func(ctx context.Context, method, path string, opts transport.Options) (int, io.ReadCloser, error)
	closeFunc func() error
	sent      []sentRequest
}

func (m *mockTransport) Send(ctx context.Context, method, path string, opts transport.Options) (int, io.ReadCloser, error) {
	m.sent = append(m.sent, sentRequest{Method: method, Path: path, Opts: opts})
	if m.sendFunc != nil {
		return m.sendFunc(ctx, method, path, opts)
	}
	return 0, nil, errors.New("not implemented")
}

func (m *mockTransport) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

// respond returns a sendFunc answering every request with status and body.
func respond(status int, body string) func(context.Context, string, string, transport.Options) (int, io.ReadCloser, error) {
	return func(context.Context, string, string, transport.Options) (int, io.ReadCloser, error) {
		return status, io.NopCloser(strings.NewReader(body)), nil
	}
}
