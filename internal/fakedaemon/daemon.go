// Package fakedaemon serves an in-memory container engine over HTTP for
// tests. It implements the part of the REST API used by the docker package,
// with enough state to exercise lifecycles: containers can be created,
// started, stopped, inspected and removed, images pulled and removed.
package fakedaemon

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/stretchr/testify/require"
)

// APIVersion is reported by the version endpoint.
const APIVersion = "1.41"

var (
	versionPrefix = regexp.MustCompile(`^/v[0-9]+(\.[0-9]+)?/`)
	validName     = regexp.MustCompile(`^/?[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)
	validRef      = regexp.MustCompile(`^[a-z0-9]+([._/:@-][a-zA-Z0-9_.-]+)*$`)
	statuses      = map[string]bool{"created": true, "restarting": true, "running": true, "removing": true, "paused": true, "exited": true, "dead": true}
)

// Request records a request received by the daemon, with the version
// prefix stripped from Path.
type Request struct {
	Method string
	Path   string
	Query  string
}

type fakeContainer struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig *container.HostConfig
	Status     string
	Stdout     string
	Stderr     string
}

type fakeImage struct {
	ID       string
	RepoTags []string
	Labels   map[string]string
}

type response struct {
	status int
	body   string
}

// Daemon is an http.Handler emulating an engine daemon.
type Daemon struct {
	mu         sync.Mutex
	containers []*fakeContainer
	images     []*fakeImage
	pullErrors map[string]string
	responses  map[string]response
	requests   []Request
	mux        *http.ServeMux
}

// New returns a Daemon without any containers or images.
func New() *Daemon {
	d := &Daemon{
		pullErrors: map[string]string{},
		responses:  map[string]response{},
		mux:        http.NewServeMux(),
	}

	d.mux.HandleFunc("GET /_ping", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("OK")) })
	d.mux.HandleFunc("GET /info", d.info)
	d.mux.HandleFunc("GET /version", d.version)

	d.mux.HandleFunc("GET /containers/json", d.listContainers)
	d.mux.HandleFunc("POST /containers/create", d.createContainer)
	d.mux.HandleFunc("POST /containers/prune", d.pruneContainers)
	d.mux.HandleFunc("POST /containers/{id}/start", d.startContainer)
	d.mux.HandleFunc("POST /containers/{id}/stop", d.stopContainer)
	d.mux.HandleFunc("GET /containers/{id}/json", d.inspectContainer)
	d.mux.HandleFunc("GET /containers/{id}/stats", d.containerStats)
	d.mux.HandleFunc("GET /containers/{id}/logs", d.containerLogs)
	d.mux.HandleFunc("DELETE /containers/{id}", d.deleteContainer)

	d.mux.HandleFunc("GET /images/json", d.listImages)
	d.mux.HandleFunc("POST /images/create", d.pullImage)
	d.mux.HandleFunc("/images/", d.imageByName)

	return d
}

// NewServer starts d on a local TCP listener and returns its URL.
func NewServer(t testing.TB) (*Daemon, string) {
	t.Helper()

	d := New()
	server := httptest.NewServer(d)
	t.Cleanup(server.Close)
	return d, server.URL
}

// NewSocketServer starts d on a unix socket and returns the socket path.
func NewSocketServer(t testing.TB) (*Daemon, string) {
	t.Helper()

	// unix socket paths are limited in length, so keep them short
	dir, err := os.MkdirTemp("", "fd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "engine.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	d := New()
	server := httptest.NewUnstartedServer(d)
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)

	return d, socketPath
}

// ServeHTTP strips any API version prefix and dispatches the request.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if loc := versionPrefix.FindStringIndex(r.URL.Path); loc != nil {
		r.URL.Path = r.URL.Path[loc[1]-1:]
		r.URL.RawPath = ""
	}

	d.mu.Lock()
	d.requests = append(d.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
	override, ok := d.responses[r.Method+" "+r.URL.Path]
	d.mu.Unlock()

	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(override.status)
		_, _ = w.Write([]byte(override.body))
		return
	}

	d.mux.ServeHTTP(w, r)
}

// Respond makes the daemon answer method and path (without version prefix)
// with status and body instead of its own handling.
func (d *Daemon) Respond(method, path string, status int, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses[method+" "+path] = response{status: status, body: body}
}

// FailPull makes pulling ref report message in the progress stream.
func (d *Daemon) FailPull(ref, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullErrors[ref] = message
}

// AddImage registers an image as if it had been pulled and returns its ID.
func (d *Daemon) AddImage(ref string, labels map[string]string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addImage(ref, labels).ID
}

// SetLogs replaces the output of the container with the given ID.
func (d *Daemon) SetLogs(id, stdout, stderr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.lookup(id); c != nil {
		c.Stdout, c.Stderr = stdout, stderr
	}
}

// Requests returns the requests received so far.
func (d *Daemon) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// LastRequest returns the most recent request.
func (d *Daemon) LastRequest() Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return Request{}
	}
	return d.requests[len(d.requests)-1]
}

// ContainerCount returns the number of containers in any state.
func (d *Daemon) ContainerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

func newID() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func normalizeRef(ref string) string {
	if strings.Contains(ref, "@") {
		return ref
	}
	if i := strings.LastIndex(ref, ":"); i < 0 || strings.Contains(ref[i:], "/") {
		return ref + ":latest"
	}
	return ref
}

func (d *Daemon) addImage(ref string, labels map[string]string) *fakeImage {
	ref = normalizeRef(ref)
	if img := d.findImage(ref); img != nil {
		return img
	}
	img := &fakeImage{ID: "sha256:" + newID(), RepoTags: []string{ref}, Labels: labels}
	d.images = append(d.images, img)
	return img
}

func (d *Daemon) findImage(nameOrID string) *fakeImage {
	for _, img := range d.images {
		if img.ID == nameOrID || strings.TrimPrefix(img.ID, "sha256:") == nameOrID {
			return img
		}
		for _, tag := range img.RepoTags {
			if tag == nameOrID || tag == normalizeRef(nameOrID) {
				return img
			}
		}
	}
	return nil
}

func (d *Daemon) lookup(idOrName string) *fakeContainer {
	if idOrName == "" {
		return nil
	}
	for _, c := range d.containers {
		if c.ID == idOrName || c.Name == strings.TrimPrefix(idOrName, "/") {
			return c
		}
	}
	var match *fakeContainer
	for _, c := range d.containers {
		if strings.HasPrefix(c.ID, idOrName) {
			if match != nil {
				return nil
			}
			match = c
		}
	}
	return match
}

func (d *Daemon) remove(c *fakeContainer) {
	for i, candidate := range d.containers {
		if candidate == c {
			d.containers = append(d.containers[:i], d.containers[i+1:]...)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

// parseFilters accepts both {"key":["v"]} and {"key":{"v":true}}.
func parseFilters(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, err
	}
	filters := map[string][]string{}
	for key, value := range generic {
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			filters[key] = list
			continue
		}
		var set map[string]bool
		if err := json.Unmarshal(value, &set); err != nil {
			return nil, err
		}
		for v := range set {
			filters[key] = append(filters[key], v)
		}
		sort.Strings(filters[key])
	}
	return filters, nil
}

func matchLabels(labels map[string]string, wanted []string) bool {
	for _, label := range wanted {
		key, value, hasValue := strings.Cut(label, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

func (d *Daemon) info(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	running := 0
	for _, c := range d.containers {
		if c.Status == "running" {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ID":                "FAKE:DAEMON",
		"Name":              "fakedaemon",
		"Containers":        len(d.containers),
		"ContainersRunning": running,
		"Images":            len(d.images),
	})
}

func (d *Daemon) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"Version":    "fake",
		"ApiVersion": APIVersion,
		"Os":         "linux",
	})
}

func (d *Daemon) listContainers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filters, err := parseFilters(query.Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter: %v", err)
		return
	}
	for _, status := range filters["status"] {
		if !statuses[status] {
			writeError(w, http.StatusBadRequest, "invalid filter 'status=%s'", status)
			return
		}
	}
	all := query.Get("all") == "1" || query.Get("all") == "true"
	limit := 0
	if l := query.Get("limit"); l != "" {
		if _, err := fmt.Sscanf(l, "%d", &limit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit %q", l)
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	summaries := []map[string]any{}
	// newest first, as the daemon does
	for i := len(d.containers) - 1; i >= 0; i-- {
		c := d.containers[i]
		if !all && len(filters["status"]) == 0 && c.Status != "running" {
			continue
		}
		if len(filters["status"]) > 0 && !contains(filters["status"], c.Status) {
			continue
		}
		if !matchLabels(c.Config.Labels, filters["label"]) {
			continue
		}
		summaries = append(summaries, map[string]any{
			"Id":     c.ID,
			"Names":  []string{"/" + c.Name},
			"Image":  c.Config.Image,
			"State":  c.Status,
			"Labels": c.Config.Labels,
		})
		if limit > 0 && len(summaries) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (d *Daemon) createContainer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		*container.Config
		HostConfig *container.HostConfig
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: %v", err)
		return
	}
	if body.Config == nil || body.Config.Image == "" {
		writeError(w, http.StatusBadRequest, "config cannot be empty in order to create a container")
		return
	}

	name := r.URL.Query().Get("name")
	if name != "" && !validName.MatchString(name) {
		writeError(w, http.StatusBadRequest, "Invalid container name (%s), only [a-zA-Z0-9][a-zA-Z0-9_.-] are allowed", name)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.findImage(body.Config.Image) == nil {
		writeError(w, http.StatusNotFound, "No such image: %s", body.Config.Image)
		return
	}

	id := newID()
	if name == "" {
		name = "fake_" + id[:8]
	}
	name = strings.TrimPrefix(name, "/")
	if d.lookup(name) != nil {
		writeError(w, http.StatusConflict, "Conflict. The container name \"/%s\" is already in use", name)
		return
	}

	d.containers = append(d.containers, &fakeContainer{
		ID:         id,
		Name:       name,
		Config:     *body.Config,
		HostConfig: body.HostConfig,
		Status:     "created",
	})
	writeJSON(w, http.StatusCreated, map[string]any{"Id": id, "Warnings": []string{}})
}

// run emulates the few commands tests rely on: printenv and echo exit
// right away, anything else keeps running.
func (c *fakeContainer) run() {
	if len(c.Config.Cmd) == 0 {
		c.Status = "running"
		return
	}
	switch c.Config.Cmd[0] {
	case "printenv":
		var b strings.Builder
		b.WriteString("PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n")
		b.WriteString("HOSTNAME=" + c.ID[:12] + "\n")
		for _, env := range c.Config.Env {
			b.WriteString(env + "\n")
		}
		c.Stdout += b.String()
		c.Status = "exited"
	case "echo":
		c.Stdout += strings.Join(c.Config.Cmd[1:], " ") + "\n"
		c.Status = "exited"
	default:
		c.Status = "running"
	}
}

func (d *Daemon) startContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", r.PathValue("id"))
		return
	}
	if c.Status == "running" {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	c.run()
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) stopContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", r.PathValue("id"))
		return
	}
	if c.Status != "running" {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	c.Status = "exited"
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) inspectContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"Id":         c.ID,
		"Name":       "/" + c.Name,
		"Image":      c.Config.Image,
		"Config":     c.Config,
		"HostConfig": c.HostConfig,
		"State": map[string]any{
			"Status":  c.Status,
			"Running": c.Status == "running",
		},
	})
}

func (d *Daemon) containerStats(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", r.PathValue("id"))
		return
	}
	if r.URL.Query().Get("stream") != "false" {
		writeError(w, http.StatusBadRequest, "fake daemon does not stream stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   c.ID,
		"name": "/" + c.Name,
		"cpu_stats": map[string]any{
			"cpu_usage":        map[string]any{"total_usage": 1000},
			"online_cpus":      1,
			"system_cpu_usage": 100000,
		},
		"memory_stats": map[string]any{"usage": 4096, "limit": 1 << 30},
	})
}

// frame wraps payload in the engine's multiplexed stream format.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func (d *Daemon) containerLogs(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", r.PathValue("id"))
		return
	}

	query := r.URL.Query()
	stdout, stderr := query.Get("stdout") == "true", query.Get("stderr") == "true"
	if !stdout && !stderr {
		writeError(w, http.StatusBadRequest, "Bad parameters: you must choose at least one stream")
		return
	}

	var body []byte
	if stdout && c.Stdout != "" {
		body = append(body, frame(1, c.Stdout)...)
	}
	if stderr && c.Stderr != "" {
		body = append(body, frame(2, c.Stderr)...)
	}
	w.Header().Set("Content-Type", "application/vnd.docker.multiplexed-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (d *Daemon) deleteContainer(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "container name or ID cannot be empty")
		return
	}
	c := d.lookup(id)
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container: %s", id)
		return
	}
	if c.Status == "running" && r.URL.Query().Get("force") != "true" {
		writeError(w, http.StatusConflict, "You cannot remove a running container %s. Stop the container before attempting removal or force remove", c.ID)
		return
	}
	d.remove(c)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) pruneContainers(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r.URL.Query().Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var deleted []string
	for _, c := range append([]*fakeContainer(nil), d.containers...) {
		if c.Status == "running" || !matchLabels(c.Config.Labels, filters["label"]) {
			continue
		}
		d.remove(c)
		deleted = append(deleted, c.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ContainersDeleted": deleted,
		"SpaceReclaimed":    0,
	})
}

func (d *Daemon) listImages(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r.URL.Query().Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	summaries := []map[string]any{}
	for _, img := range d.images {
		if !matchLabels(img.Labels, filters["label"]) {
			continue
		}
		summaries = append(summaries, map[string]any{
			"Id":       img.ID,
			"RepoTags": img.RepoTags,
			"Labels":   img.Labels,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (d *Daemon) pullImage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ref := query.Get("fromImage")
	if tag := query.Get("tag"); tag != "" {
		if strings.HasPrefix(tag, "sha256:") {
			ref += "@" + tag
		} else {
			ref += ":" + tag
		}
	}
	if ref == "" || !validRef.MatchString(ref) {
		writeError(w, http.StatusBadRequest, "invalid reference format")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(map[string]string{"status": "Pulling from " + ref})
	if message, ok := d.pullErrors[normalizeRef(ref)]; ok {
		_ = encoder.Encode(map[string]any{
			"errorDetail": map[string]string{"message": message},
			"error":       message,
		})
		return
	}
	d.addImage(ref, nil)
	_ = encoder.Encode(map[string]string{"status": "Status: Downloaded newer image for " + ref})
}

// imageByName serves /images/{name}/json and DELETE /images/{name}, where
// name may contain slashes.
func (d *Daemon) imageByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/images/")
	inspect := r.Method == http.MethodGet && strings.HasSuffix(name, "/json")
	if inspect {
		name = strings.TrimSuffix(name, "/json")
	} else if r.Method != http.MethodDelete {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	if name == "" || !validRef.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid reference format")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img := d.findImage(name)
	if img == nil {
		writeError(w, http.StatusNotFound, "No such image: %s", name)
		return
	}

	if inspect {
		writeJSON(w, http.StatusOK, map[string]any{
			"Id":       img.ID,
			"RepoTags": img.RepoTags,
			"Config":   map[string]any{"Labels": img.Labels},
		})
		return
	}

	if r.URL.Query().Get("force") != "true" {
		for _, c := range d.containers {
			if d.findImage(c.Config.Image) == img {
				writeError(w, http.StatusConflict, "conflict: unable to remove repository reference %q (must force) - container %s is using its referenced image", name, c.ID[:12])
				return
			}
		}
	}
	for i, candidate := range d.images {
		if candidate == img {
			d.images = append(d.images[:i], d.images[i+1:]...)
			break
		}
	}
	writeJSON(w, http.StatusOK, []map[string]string{{"Untagged": img.RepoTags[0]}, {"Deleted": img.ID}})
}
