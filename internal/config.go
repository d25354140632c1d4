package internal

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/ryanmoran/engineclient/docker"
)

// ErrNoCommand is returned by ParseConfig when no command was given.
var ErrNoCommand = errors.New("no command given")

type Config struct {
	Endpoint   string
	SocketPath string
	APIVersion string

	All     bool
	Limit   int
	Filters docker.Filters
	Label   string
	Force   bool
	OneShot bool
	Level   docker.LogLevel
	Name    ContainerName
	Env     Environment
	Debug   bool

	Command  string
	Operands Command
}

// environment holds the variables read from the process environment. The
// engine specific variables take precedence over DOCKER_HOST.
type environment struct {
	Endpoint   string `env:"ENGINE_ENDPOINT"`
	SocketPath string `env:"ENGINE_SOCKET"`
	APIVersion string `env:"ENGINE_API_VERSION"`
	DockerHost string `env:"DOCKER_HOST"`
}

type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type filterFlag docker.Filters

func (f filterFlag) String() string {
	var pairs []string
	for key, values := range f {
		for _, value := range values {
			pairs = append(pairs, key+"="+value)
		}
	}
	return strings.Join(pairs, ",")
}

func (f filterFlag) Set(value string) error {
	key, v, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("filter %q is not of the form key=value", value)
	}
	f[key] = append(f[key], v)
	return nil
}

// ParseConfig builds the command line tool's configuration. Connection
// settings come from ENGINE_ENDPOINT, ENGINE_SOCKET and ENGINE_API_VERSION,
// falling back to DOCKER_HOST, and are overridden by the matching flags.
// The first argument after the flags is the command, the rest its operands.
func ParseConfig(args []string, environ []string) (Config, error) {
	lookup := make(map[string]string)
	for _, variable := range environ {
		key, value, ok := strings.Cut(variable, "=")
		if ok {
			lookup[key] = value
		}
	}

	var vars environment
	if err := env.ParseWithOptions(&vars, env.Options{Environment: lookup}); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	config := Config{
		Endpoint:   vars.Endpoint,
		SocketPath: vars.SocketPath,
		APIVersion: vars.APIVersion,
		Filters:    docker.Filters{},
		Level:      docker.LogsAll,
	}

	if vars.DockerHost != "" && config.Endpoint == "" && config.SocketPath == "" {
		endpoint, socketPath, err := parseDockerHost(vars.DockerHost)
		if err != nil {
			return Config{}, err
		}
		config.Endpoint, config.SocketPath = endpoint, socketPath
	}

	var (
		additionalEnv stringSlice
		level         string
		name          string
	)

	fs := flag.NewFlagSet("engineclient", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&config.Endpoint, "endpoint", config.Endpoint, "engine API base URL")
	fs.StringVar(&config.SocketPath, "socket", config.SocketPath, "unix socket to connect through")
	fs.StringVar(&config.APIVersion, "api-version", config.APIVersion, "API version prefix")
	fs.BoolVar(&config.All, "all", false, "include stopped containers")
	fs.IntVar(&config.Limit, "limit", 0, "maximum number of containers to list")
	fs.Var(filterFlag(config.Filters), "filter", "container filter key=value")
	fs.StringVar(&config.Label, "label", "", "label to filter images and pruned containers by")
	fs.BoolVar(&config.Force, "force", false, "force removal")
	fs.BoolVar(&config.OneShot, "one-shot", false, "take a single stats sample")
	fs.StringVar(&level, "level", string(docker.LogsAll), "log streams: all, out or error")
	fs.StringVar(&name, "name", "", "container name")
	fs.Var(&additionalEnv, "env", "environment variable")
	fs.BoolVar(&config.Debug, "debug", false, "log debug output")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	switch docker.LogLevel(level) {
	case docker.LogsAll, docker.LogsOut, docker.LogsError:
		config.Level = docker.LogLevel(level)
	default:
		return Config{}, fmt.Errorf("invalid log level %q: must be one of all, out or error", level)
	}
	if config.Limit < 0 {
		return Config{}, fmt.Errorf("invalid limit %d: must not be negative", config.Limit)
	}

	config.Name = ContainerName(name)
	config.Env = Environment(additionalEnv)

	remaining := fs.Args()
	if len(remaining) == 0 {
		return config, ErrNoCommand
	}
	config.Command = remaining[0]
	config.Operands = Command(remaining[1:])

	return config, nil
}

// parseDockerHost maps a DOCKER_HOST value onto an endpoint or a socket
// path. Only unix and tcp hosts are supported.
func parseDockerHost(host string) (string, string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", "", fmt.Errorf("invalid DOCKER_HOST %q: %w", host, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("invalid DOCKER_HOST %q: missing socket path", host)
		}
		return "", u.Path, nil
	case "tcp", "http":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid DOCKER_HOST %q: missing host", host)
		}
		return "http://" + u.Host, "", nil
	case "https":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid DOCKER_HOST %q: missing host", host)
		}
		return "https://" + u.Host, "", nil
	default:
		return "", "", fmt.Errorf("invalid DOCKER_HOST %q: unsupported scheme %q", host, u.Scheme)
	}
}
