package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/ryanmoran/engineclient/docker/transport"
)

// Filters maps a filter field to the values it must match, e.g.
// {"status": {"exited"}, "label": {"job"}}.
type Filters map[string][]string

// ListOptions selects the containers returned by ListContainers.
type ListOptions struct {
	// All includes stopped containers. Only running containers are listed
	// otherwise.
	All     bool
	Limit   int
	Filters Filters
}

// ContainerSpec is the body of a container create request.
type ContainerSpec struct {
	*container.Config
	HostConfig       *container.HostConfig     `json:",omitempty"`
	NetworkingConfig *network.NetworkingConfig `json:",omitempty"`
}

// LogLevel selects the output streams returned by ContainerLogs.
type LogLevel string

const (
	// LogsAll returns stdout and stderr.
	LogsAll LogLevel = "all"

	// LogsOut returns stdout only.
	LogsOut LogLevel = "out"

	// LogsError returns stderr only.
	LogsError LogLevel = "error"
)

// Phase names a step of RunContainer.
type Phase string

const (
	// PhaseCreate is the container create request.
	PhaseCreate Phase = "create"

	// PhaseStart is the start request for the created container.
	PhaseStart Phase = "start"
)

// ErrNoContainerID is reported when the daemon accepted a create request
// but did not return the new container's ID.
var ErrNoContainerID = errors.New("daemon returned no container ID")

// RunError reports which step of RunContainer failed. After a start failure
// ID names the container that was created and left behind.
type RunError struct {
	Phase Phase
	Name  string
	ID    string
	Err   error
}

func (e *RunError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("failed to %s container %q (%s): %v", e.Phase, e.Name, e.ID, e.Err)
	}
	return fmt.Sprintf("failed to %s container %q: %v", e.Phase, e.Name, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func containerPath(id, action string) string {
	if action == "" {
		return "/containers/" + id
	}
	return "/containers/" + id + "/" + action
}

// withFilters adds filters as the single JSON encoded "filters" parameter.
// Empty filters are left out.
func withFilters(q transport.Query, filters Filters) (transport.Query, error) {
	if len(filters) == 0 {
		return q, nil
	}
	q, err := q.AddJSON("filters", filters)
	if err != nil {
		return q, &Error{Kind: KindBadParameter, Message: "invalid filters", Err: err}
	}
	return q, nil
}

func labelFilter(label string) Filters {
	if label == "" {
		return nil
	}
	return Filters{"label": {label}}
}

// ListContainers lists containers matching opts.
func (c Client) ListContainers(ctx context.Context, opts ListOptions) ([]container.Summary, error) {
	query := transport.Query{}
	if opts.All {
		query = query.Add("all", "1")
	}
	if opts.Limit > 0 {
		query = query.Add("limit", strconv.Itoa(opts.Limit))
	}
	query, err := withFilters(query, opts.Filters)
	if err != nil {
		return nil, err
	}

	containers := []container.Summary{}
	if err := c.decode(ctx, http.MethodGet, "/containers/json", transport.Options{Query: query}, &containers); err != nil {
		return nil, err
	}
	if containers == nil {
		containers = []container.Summary{}
	}
	return containers, nil
}

// CreateContainer creates, but does not start, a container named name.
func (c Client) CreateContainer(ctx context.Context, name string, spec ContainerSpec) (container.CreateResponse, error) {
	query := transport.Query{}
	if name != "" {
		query = query.Add("name", name)
	}

	var created container.CreateResponse
	err := c.decode(ctx, http.MethodPost, "/containers/create", transport.Options{Query: query, Body: spec}, &created)
	return created, err
}

// RunContainer creates the container and starts it, returning its ID. A
// failure of either step is a *RunError naming the step. A container that
// was created but failed to start is not removed.
func (c Client) RunContainer(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	created, err := c.CreateContainer(ctx, name, spec)
	if err != nil {
		return "", &RunError{Phase: PhaseCreate, Name: name, Err: err}
	}
	if created.ID == "" {
		return "", &RunError{Phase: PhaseCreate, Name: name, Err: ErrNoContainerID}
	}

	if err := c.StartContainer(ctx, created.ID); err != nil {
		return "", &RunError{Phase: PhaseStart, Name: name, ID: created.ID, Err: err}
	}

	return created.ID, nil
}

// StartContainer starts a created or stopped container. Starting a running
// container is not an error.
func (c Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.exec(ctx, http.MethodPost, containerPath(id, "start"), transport.Options{})
	return err
}

// StopContainer stops a container. It reports true when the daemon stopped
// it (204) and false when there was nothing to do.
func (c Client) StopContainer(ctx context.Context, id string) (bool, error) {
	status, err := c.exec(ctx, http.MethodPost, containerPath(id, "stop"), transport.Options{})
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// InspectContainer returns the container's low-level details.
func (c Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	var details container.InspectResponse
	err := c.decode(ctx, http.MethodGet, containerPath(id, "json"), transport.Options{}, &details)
	return details, err
}

// ContainerStats returns a single stats sample. With oneShot the daemon
// does not wait for a second sample to compute CPU usage deltas.
func (c Client) ContainerStats(ctx context.Context, id string, oneShot bool) (container.StatsResponse, error) {
	query := transport.Query{}.
		Add("stream", "false").
		Add("one-shot", strconv.FormatBool(oneShot))

	var stats container.StatsResponse
	err := c.decode(ctx, http.MethodGet, containerPath(id, "stats"), transport.Options{Query: query}, &stats)
	return stats, err
}

// ContainerLogs returns the container's output so far. Stream framing and
// control characters other than newline are removed. Bytes that are not
// valid UTF-8 are returned unchanged.
func (c Client) ContainerLogs(ctx context.Context, id string, level LogLevel) (string, error) {
	query := transport.Query{}
	switch level {
	case LogsAll:
		query = query.Add("stdout", "true").Add("stderr", "true")
	case LogsOut:
		query = query.Add("stdout", "true")
	case LogsError:
		query = query.Add("stderr", "true")
	}

	path := containerPath(id, "logs")
	_, body, err := c.do(ctx, http.MethodGet, path, transport.Options{Query: query})
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", &Error{Kind: KindFailure, Message: fmt.Sprintf("failed to read response of GET %s", path), Err: err}
	}

	return sanitizeLogs(data), nil
}

// isFramed reports whether data starts with a stream frame header: one
// stream byte (stdin, stdout, stderr) and three zero bytes.
func isFramed(data []byte) bool {
	return len(data) >= 8 && data[0] <= 2 && data[1] == 0 && data[2] == 0 && data[3] == 0
}

func sanitizeLogs(data []byte) string {
	if isFramed(data) {
		var demuxed bytes.Buffer
		if _, err := stdcopy.StdCopy(&demuxed, &demuxed, bytes.NewReader(data)); err == nil {
			data = demuxed.Bytes()
		}
	}

	// Bytes that are not valid UTF-8 are kept as they are.
	clean := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r != '\n' && unicode.IsControl(r) {
			data = data[size:]
			continue
		}
		clean = append(clean, data[:size]...)
		data = data[size:]
	}
	return string(clean)
}

// DeleteContainer removes a container. Without force a running container
// is a KindBusy error. It reports true when the daemon answered 204.
func (c Client) DeleteContainer(ctx context.Context, id string, force bool) (bool, error) {
	query := transport.Query{}
	if force {
		query = query.Add("force", "true")
	}

	status, err := c.exec(ctx, http.MethodDelete, containerPath(id, ""), transport.Options{Query: query})
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// PruneContainers deletes all stopped containers, or only those carrying
// label when it is not empty.
func (c Client) PruneContainers(ctx context.Context, label string) (container.PruneReport, error) {
	query, err := withFilters(transport.Query{}, labelFilter(label))
	if err != nil {
		return container.PruneReport{}, err
	}

	var report container.PruneReport
	err = c.decode(ctx, http.MethodPost, "/containers/prune", transport.Options{Query: query}, &report)
	return report, err
}
