// Package transport binds engine API requests to the network.
//
// A Binder owns the base endpoint and, optionally, a unix socket path. With a
// socket configured every request is dialed to that socket and the endpoint
// only supplies the scheme, Host header and API path prefix. The Binder never
// decodes response bodies; that is left to the caller.
package transport
