package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/moby/moby/api/types/container"
	"github.com/ryanmoran/engineclient/docker"
	"github.com/ryanmoran/engineclient/internal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic occurred: %v", r)
			os.Exit(1)
		}
	}()

	if err := run(os.Args, os.Environ(), internal.NewStandardWriter()); err != nil {
		log.Fatal(err)
	}
}

// command runs one subcommand against a connected client.
type command struct {
	usage    string
	operands int
	variadic bool
	run      func(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error
}

var commands = map[string]command{
	"info":          {usage: "info", run: info},
	"version":       {usage: "version", run: version},
	"ps":            {usage: "ps", run: ps},
	"run":           {usage: "run <image> [cmd...]", operands: 1, variadic: true, run: runContainer},
	"start":         {usage: "start <id>", operands: 1, run: start},
	"stop":          {usage: "stop <id>...", operands: 1, variadic: true, run: stop},
	"inspect":       {usage: "inspect <id>", operands: 1, run: inspect},
	"stats":         {usage: "stats <id>", operands: 1, run: stats},
	"logs":          {usage: "logs <id>", operands: 1, run: logs},
	"rm":            {usage: "rm <id>...", operands: 1, variadic: true, run: remove},
	"prune":         {usage: "prune", run: prune},
	"images":        {usage: "images", run: images},
	"image-inspect": {usage: "image-inspect <ref>", operands: 1, run: imageInspect},
	"image-exists":  {usage: "image-exists <ref>", operands: 1, run: imageExists},
	"pull":          {usage: "pull <ref>", operands: 1, run: pull},
	"rmi":           {usage: "rmi <ref>", operands: 1, run: removeImage},
}

func usage() string {
	var lines []string
	for _, c := range commands {
		lines = append(lines, "  engineclient [flags] "+c.usage)
	}
	sort.Strings(lines)
	return "usage:\n" + strings.Join(lines, "\n")
}

func run(args, env []string, w internal.Writer) error {
	config, err := internal.ParseConfig(args[1:], env)
	if err != nil {
		if errors.Is(err, internal.ErrNoCommand) {
			return fmt.Errorf("%w\n%s", err, usage())
		}
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	cmd, ok := commands[config.Command]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", config.Command, usage())
	}
	if len(config.Operands) < cmd.operands || (!cmd.variadic && len(config.Operands) > cmd.operands) {
		return fmt.Errorf("wrong number of operands for %q\n  engineclient [flags] %s", config.Command, cmd.usage)
	}

	logger := internal.NewLogger(w.GetErrWriter(), config.Debug)
	cleanupMgr := internal.NewCleanupManager(logger)
	defer cleanupMgr.Execute()

	// Create context with cancellation for proper goroutine cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals to cancel context and cleanup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Debug().
		Str("endpoint", config.Endpoint).
		Str("socket", config.SocketPath).
		Str("api_version", config.APIVersion).
		Msg("connecting to engine")

	client, err := docker.New(ctx,
		docker.WithEndpoint(config.Endpoint),
		docker.WithSocket(config.SocketPath),
		docker.WithAPIVersion(config.APIVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to the engine: %w\n%s", err, connectHint(err))
	}
	cleanupMgr.Add("engine-client", func() error {
		client.Close()
		return nil
	})

	logger.Debug().Str("command", config.Command).Strs("operands", config.Operands).Msg("running command")
	return cmd.run(ctx, client, config, w)
}

func connectHint(err error) string {
	switch {
	case docker.IsSocketNotFound(err):
		return "Make sure the engine is running and the socket path is correct (try 'docker info')"
	case docker.IsConnectionFailed(err):
		return "Make sure the engine API is listening on the configured endpoint"
	default:
		return "Check the engine's logs for details"
	}
}

func info(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	result, err := client.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get engine info: %w", err)
	}
	return w.JSON(result)
}

func version(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	result, err := client.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get engine version: %w", err)
	}
	return w.JSON(result)
}

func ps(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	containers, err := client.ListContainers(ctx, docker.ListOptions{
		All:     config.All,
		Limit:   config.Limit,
		Filters: config.Filters,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	return w.JSON(containers)
}

func runContainer(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	name := config.Name
	if name == "" {
		name = internal.GenerateSession().ID()
	}

	spec := docker.ContainerSpec{Config: &container.Config{
		Image: config.Operands[0],
		Env:   []string(config.Env),
	}}
	if len(config.Operands) > 1 {
		spec.Cmd = []string(config.Operands[1:])
	}

	id, err := client.RunContainer(ctx, string(name), spec)
	if err != nil {
		var runErr *docker.RunError
		if errors.As(err, &runErr) && runErr.Phase == docker.PhaseStart {
			return fmt.Errorf("%w\nThe container was created but not started, remove it with 'engineclient rm %s'", err, runErr.ID)
		}
		if docker.IsNotFound(err) {
			return fmt.Errorf("%w\nPull the image first (try 'engineclient pull %s')", err, config.Operands[0])
		}
		return err
	}

	w.Println(id)
	return nil
}

func start(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	if err := client.StartContainer(ctx, config.Operands[0]); err != nil {
		return fmt.Errorf("failed to start container %q: %w", config.Operands[0], err)
	}
	w.Println(config.Operands[0])
	return nil
}

// outcome is the result of one fanned out call. Either line is printed to
// the output stream, warning to the error stream.
type outcome struct {
	line    string
	warning string
}

// fanOut runs fn for every operand concurrently and prints the outcomes in
// operand order. A failing call does not cancel the others; all failures
// are returned combined.
func fanOut(ctx context.Context, operands []string, w internal.Writer, fn func(ctx context.Context, operand string) (outcome, error)) error {
	outcomes := make([]outcome, len(operands))
	errs := make([]error, len(operands))

	var g errgroup.Group
	for i, operand := range operands {
		g.Go(func() error {
			outcomes[i], errs[i] = fn(ctx, operand)
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range outcomes {
		if result.line != "" {
			w.Println(result.line)
		}
		if result.warning != "" {
			w.Warning(result.warning)
		}
	}
	return multierr.Combine(errs...)
}

func stop(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	return fanOut(ctx, config.Operands, w, func(ctx context.Context, id string) (outcome, error) {
		stopped, err := client.StopContainer(ctx, id)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to stop container %q: %w", id, err)
		}
		if !stopped {
			return outcome{warning: fmt.Sprintf("container %s was not running", id)}, nil
		}
		return outcome{line: id}, nil
	})
}

func inspect(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	details, err := client.InspectContainer(ctx, config.Operands[0])
	if err != nil {
		return fmt.Errorf("failed to inspect container %q: %w", config.Operands[0], err)
	}
	return w.JSON(details)
}

func stats(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	result, err := client.ContainerStats(ctx, config.Operands[0], config.OneShot)
	if err != nil {
		return fmt.Errorf("failed to get stats of container %q: %w", config.Operands[0], err)
	}
	return w.JSON(result)
}

func logs(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	output, err := client.ContainerLogs(ctx, config.Operands[0], config.Level)
	if err != nil {
		return fmt.Errorf("failed to get logs of container %q: %w", config.Operands[0], err)
	}
	w.Print(output)
	return nil
}

func remove(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	return fanOut(ctx, config.Operands, w, func(ctx context.Context, id string) (outcome, error) {
		if _, err := client.DeleteContainer(ctx, id, config.Force); err != nil {
			if docker.IsBusy(err) && !config.Force {
				return outcome{}, fmt.Errorf("failed to remove container %q: %w\nStop it first or pass --force", id, err)
			}
			return outcome{}, fmt.Errorf("failed to remove container %q: %w", id, err)
		}
		return outcome{line: id}, nil
	})
}

func prune(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	report, err := client.PruneContainers(ctx, config.Label)
	if err != nil {
		return fmt.Errorf("failed to prune containers: %w", err)
	}
	return w.JSON(report)
}

func images(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	result, err := client.ListImages(ctx, config.Label)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	return w.JSON(result)
}

func imageInspect(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	details, err := client.InspectImage(ctx, config.Operands[0])
	if err != nil {
		return fmt.Errorf("failed to inspect image %q: %w", config.Operands[0], err)
	}
	return w.JSON(details)
}

func imageExists(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	exists, err := client.ImageExists(ctx, config.Operands[0])
	if err != nil {
		return fmt.Errorf("failed to look up image %q: %w", config.Operands[0], err)
	}
	w.Println(exists)
	return nil
}

func pull(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	if err := client.PullImage(ctx, config.Operands[0]); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", config.Operands[0], err)
	}
	w.Println(config.Operands[0])
	return nil
}

func removeImage(ctx context.Context, client docker.Client, config internal.Config, w internal.Writer) error {
	if err := client.RemoveImage(ctx, config.Operands[0], config.Force); err != nil {
		if docker.IsBusy(err) && !config.Force {
			return fmt.Errorf("failed to remove image %q: %w\nRemove the containers using it or pass --force", config.Operands[0], err)
		}
		return fmt.Errorf("failed to remove image %q: %w", config.Operands[0], err)
	}
	w.Println(config.Operands[0])
	return nil
}
