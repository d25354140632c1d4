package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/go-connections/sockets"
)

// DefaultEndpoint is the engine address used when none is configured.
const DefaultEndpoint = "http://localhost:2375"

// ErrInvalidSocket is wrapped by New when the unix socket path cannot be
// used at all, e.g. because it is too long.
var ErrInvalidSocket = errors.New("invalid unix socket path")

// Config describes how requests reach the engine daemon.
type Config struct {
	// Endpoint is the base URL of the engine API. Its path, if any, is used as
	// the API prefix for every request.
	Endpoint string

	// SocketPath, when set, pins every connection to this unix socket. The
	// host part of Endpoint is then only used for the Host header.
	SocketPath string

	// APIVersion is appended as "/v<version>" to Endpoint, but only when
	// Endpoint has no path of its own.
	APIVersion string
}

// Options are the per-call parts of a request.
type Options struct {
	Query  Query
	Body   any
	Header http.Header
}

// Binder sends requests to the engine over TCP or a unix socket.
type Binder struct {
	client     *http.Client
	base       url.URL
	endpoint   string
	socketPath string
}

// New validates cfg and returns a Binder for it. No connection is made.
func New(cfg Config) (*Binder, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid engine endpoint %q: %w", endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid engine endpoint %q: scheme must be http or https", endpoint)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid engine endpoint %q: missing host", endpoint)
	}

	base.Path = strings.TrimRight(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""
	if base.Path == "" && cfg.APIVersion != "" {
		base.Path = "/v" + strings.TrimPrefix(cfg.APIVersion, "v")
	}

	tr := &http.Transport{}
	if cfg.SocketPath != "" {
		if err := sockets.ConfigureTransport(tr, "unix", cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidSocket, cfg.SocketPath, err)
		}
	} else if err := sockets.ConfigureTransport(tr, "tcp", base.Host); err != nil {
		return nil, fmt.Errorf("failed to configure engine transport: %w", err)
	}

	return &Binder{
		client: &http.Client{
			Transport: tr,
			// Redirects are handed back as is, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		base:       *base,
		endpoint:   endpoint,
		socketPath: cfg.SocketPath,
	}, nil
}

// Address returns the configured endpoint.
func (b *Binder) Address() string { return b.endpoint }

// SocketPath returns the unix socket path, or "" when requests go over TCP.
func (b *Binder) SocketPath() string { return b.socketPath }

// URL returns the absolute URL a request for path and query would be sent to.
func (b *Binder) URL(path string, query Query) string {
	u := b.base
	u.Path = b.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

// Send issues one request and hands back the status code and the unread
// body. The caller must close the body. An error is only returned when no
// response was received; non-2xx statuses, redirects included, are not
// errors at this level.
func (b *Binder) Send(ctx context.Context, method, path string, opts Options) (int, io.ReadCloser, error) {
	var body io.Reader
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body for %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.URL(path, opts.Query), body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	for key, values := range opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}

	return resp.StatusCode, resp.Body, nil
}

// Close releases idle connections held by the Binder.
func (b *Binder) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// IsDialError reports whether err was raised while establishing the
// connection, that is, before the daemon was reached at all.
func IsDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
