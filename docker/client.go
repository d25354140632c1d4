package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ryanmoran/engineclient/docker/transport"
)

// Client talks to a single engine daemon. It holds no state besides its
// transport, so it is safe for concurrent use when the transport is.
type Client struct {
	transport  Transport
	endpoint   string
	socketPath string
}

type options struct {
	endpoint   string
	socketPath string
	apiVersion string
	transport  Transport
}

// Option configures New.
type Option func(*options)

// WithEndpoint sets the base URL of the engine API, e.g.
// "http://127.0.0.1:2375" or "http://localhost/v1.41".
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithSocket pins every connection to the unix socket at path.
func WithSocket(path string) Option {
	return func(o *options) { o.socketPath = path }
}

// WithAPIVersion sets the API version prefix used when the endpoint has no
// path of its own.
func WithAPIVersion(version string) Option {
	return func(o *options) { o.apiVersion = version }
}

// WithTransport replaces the transport built from the endpoint and socket
// options. The endpoint and socket options are then only used in error
// messages.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// New builds a Client and probes the daemon with an Info call. When the
// daemon cannot be reached the error is of kind KindSocketNotFound (socket
// configured) or KindConnectionFailed (TCP). A socket path that cannot be
// used is also KindSocketNotFound. Any other probe failure is returned as is.
func New(ctx context.Context, opts ...Option) (Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.endpoint == "" {
		o.endpoint = transport.DefaultEndpoint
	}

	t := o.transport
	if t == nil {
		binder, err := transport.New(transport.Config{
			Endpoint:   o.endpoint,
			SocketPath: o.socketPath,
			APIVersion: o.apiVersion,
		})
		if err != nil {
			if errors.Is(err, transport.ErrInvalidSocket) {
				return Client{}, &Error{
					Kind:    KindSocketNotFound,
					Message: fmt.Sprintf("engine socket not found: %s", o.socketPath),
					Err:     err,
				}
			}
			return Client{}, fmt.Errorf("failed to create engine client: %w", err)
		}
		t = binder
	}

	c := Client{
		transport:  t,
		endpoint:   o.endpoint,
		socketPath: o.socketPath,
	}

	if _, err := c.Info(ctx); err != nil {
		c.Close()
		return Client{}, c.probeError(err)
	}

	return c, nil
}

// NewClient wraps an existing transport without probing the daemon.
func NewClient(t Transport) Client {
	return Client{transport: t}
}

func (c Client) probeError(err error) error {
	if !transport.IsDialError(err) {
		return err
	}
	if c.socketPath != "" {
		return &Error{
			Kind:    KindSocketNotFound,
			Message: fmt.Sprintf("engine socket not found: %s", c.socketPath),
			Err:     err,
		}
	}
	return &Error{
		Kind:    KindConnectionFailed,
		Message: fmt.Sprintf("engine API connection failed: %s", c.endpoint),
		Err:     err,
	}
}

// Close releases the transport's resources when it holds any.
func (c Client) Close() {
	if closer, ok := c.transport.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Info returns the daemon's system information.
func (c Client) Info(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.decode(ctx, http.MethodGet, "/info", transport.Options{}, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Version returns the daemon's version information.
func (c Client) Version(ctx context.Context) (map[string]any, error) {
	var version map[string]any
	if err := c.decode(ctx, http.MethodGet, "/version", transport.Options{}, &version); err != nil {
		return nil, err
	}
	return version, nil
}

// do sends a request. Responses with a status of 400 and above are turned
// into an *Error and their body is closed; otherwise the caller owns body.
func (c Client) do(ctx context.Context, method, path string, opts transport.Options) (int, io.ReadCloser, error) {
	status, body, err := c.transport.Send(ctx, method, path, opts)
	if err != nil {
		return 0, nil, fromTransport(err)
	}
	if body == nil {
		body = http.NoBody
	}
	if status >= http.StatusBadRequest {
		defer body.Close()
		return status, nil, fromResponse(method, path, status, body)
	}
	return status, body, nil
}

// decode sends a request and decodes its JSON response into v.
func (c Client) decode(ctx context.Context, method, path string, opts transport.Options, v any) error {
	_, body, err := c.do(ctx, method, path, opts)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &Error{
			Kind:    KindFailure,
			Message: fmt.Sprintf("failed to decode response of %s %s", method, path),
			Err:     err,
		}
	}
	return nil
}

// exec sends a request whose response body is of no interest and returns
// the status code.
func (c Client) exec(ctx context.Context, method, path string, opts transport.Options) (int, error) {
	status, body, err := c.do(ctx, method, path, opts)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
	return status, nil
}
