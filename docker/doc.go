// Package docker is a client for the container engine REST API.
//
// It covers the container lifecycle (list, run, start, stop, inspect, stats,
// logs, delete, prune) and the image lifecycle (list, pull, inspect, exists,
// remove). New probes the daemon once; afterwards every operation issues its
// requests synchronously and returns an *Error whose Kind callers can branch
// on. The package never logs and never retries.
package docker
