package docker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/ryanmoran/engineclient/docker"
	"github.com/ryanmoran/engineclient/docker/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImage = "alpine:3.16.2"

func sleeper() docker.ContainerSpec {
	return docker.ContainerSpec{Config: &container.Config{
		Image: testImage,
		Cmd:   []string{"sleep", "300"},
	}}
}

func printenv(env ...string) docker.ContainerSpec {
	return docker.ContainerSpec{Config: &container.Config{
		Image: testImage,
		Env:   env,
		Cmd:   []string{"printenv"},
	}}
}

func TestUnknownContainers(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx := context.Background()

	operations := map[string]func(id string) error{
		"InspectContainer": func(id string) error { _, err := c.InspectContainer(ctx, id); return err },
		"StartContainer":   func(id string) error { return c.StartContainer(ctx, id) },
		"StopContainer":    func(id string) error { _, err := c.StopContainer(ctx, id); return err },
		"DeleteContainer":  func(id string) error { _, err := c.DeleteContainer(ctx, id, true); return err },
		"ContainerLogs":    func(id string) error { _, err := c.ContainerLogs(ctx, id, docker.LogsAll); return err },
		"ContainerStats":   func(id string) error { _, err := c.ContainerStats(ctx, id, true); return err },
	}

	for name, operation := range operations {
		for _, id := range []string{"fakeid", "0123456789ab", "no-such-container"} {
			t.Run(fmt.Sprintf("%s(%s)", name, id), func(t *testing.T) {
				err := operation(id)
				require.Error(t, err)
				assert.True(t, docker.IsNotFound(err), "expected resource-not-found, got %v", err)
				assert.Equal(t, http.StatusNotFound, docker.StatusCode(err))
			})
		}
	}
}

func TestListContainers(t *testing.T) {
	t.Run("lists only running containers by default", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		running, err := c.RunContainer(ctx, "runner", sleeper())
		require.NoError(t, err)
		_, err = c.RunContainer(ctx, "exiter", printenv())
		require.NoError(t, err)

		containers, err := c.ListContainers(ctx, docker.ListOptions{})
		require.NoError(t, err)
		require.Len(t, containers, 1)
		assert.Equal(t, running, containers[0].ID)

		all, err := c.ListContainers(ctx, docker.ListOptions{All: true})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("returns an empty sequence when nothing runs", func(t *testing.T) {
		c, _ := newFakeClient(t)

		containers, err := c.ListContainers(context.Background(), docker.ListOptions{})
		require.NoError(t, err)
		assert.NotNil(t, containers)
		assert.Empty(t, containers)
	})

	t.Run("encodes options into the query", func(t *testing.T) {
		c, daemon := newFakeClient(t)

		_, err := c.ListContainers(context.Background(), docker.ListOptions{
			All:     true,
			Limit:   32,
			Filters: docker.Filters{"label": {"job"}},
		})
		require.NoError(t, err)

		query, err := url.ParseQuery(daemon.LastRequest().Query)
		require.NoError(t, err)
		assert.Equal(t, "1", query.Get("all"))
		assert.Equal(t, "32", query.Get("limit"))
		assert.Len(t, query["filters"], 1)
		assert.JSONEq(t, `{"label":["job"]}`, query.Get("filters"))
	})

	t.Run("omits empty options", func(t *testing.T) {
		c, daemon := newFakeClient(t)

		_, err := c.ListContainers(context.Background(), docker.ListOptions{Filters: docker.Filters{}})
		require.NoError(t, err)
		assert.Equal(t, "", daemon.LastRequest().Query)
	})

	t.Run("honors the limit", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := c.RunContainer(ctx, fmt.Sprintf("sleeper%d", i), sleeper())
			require.NoError(t, err)
		}

		containers, err := c.ListContainers(ctx, docker.ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, containers, 2)
	})

	t.Run("fails with bad-parameter on invalid filters", func(t *testing.T) {
		c, _ := newFakeClient(t)

		_, err := c.ListContainers(context.Background(), docker.ListOptions{
			All:     true,
			Limit:   32,
			Filters: docker.Filters{"status": {"badstatus"}},
		})
		require.Error(t, err)
		assert.True(t, docker.IsBadParameter(err))
		assert.Contains(t, err.Error(), "badstatus")
	})
}

func TestRunContainer(t *testing.T) {
	t.Run("round-trips the submitted configuration", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		spec := printenv("HOOK_ME=engineclient", "OTHER=value")
		spec.Labels = map[string]string{"job": "test"}

		id, err := c.RunContainer(ctx, "test-container", spec)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		details, err := c.InspectContainer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, details.ID)
		assert.Equal(t, "/test-container", details.Name)
		assert.Equal(t, spec.Env, details.Config.Env)
		assert.Equal(t, spec.Cmd, details.Config.Cmd)
		assert.Equal(t, spec.Labels, details.Config.Labels)
	})

	t.Run("creates and then starts", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)

		id, err := c.RunContainer(context.Background(), "web", sleeper())
		require.NoError(t, err)

		requests := daemon.Requests()
		require.Len(t, requests, 3)
		assert.Equal(t, "/containers/create", requests[1].Path)
		assert.Equal(t, "name=web", requests[1].Query)
		assert.Equal(t, "/containers/"+id+"/start", requests[2].Path)
	})

	t.Run("sends the host configuration", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		spec := sleeper()
		spec.HostConfig = &container.HostConfig{Binds: []string{"/host:/container"}}

		id, err := c.RunContainer(ctx, "bound", spec)
		require.NoError(t, err)

		details, err := c.InspectContainer(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, details.HostConfig)
		assert.Equal(t, []string{"/host:/container"}, details.HostConfig.Binds)
	})

	t.Run("reports create failures without starting", func(t *testing.T) {
		c, daemon := newFakeClient(t)

		_, err := c.RunContainer(context.Background(), "orphan", sleeper())
		require.Error(t, err)

		var runErr *docker.RunError
		require.True(t, errors.As(err, &runErr))
		assert.Equal(t, docker.PhaseCreate, runErr.Phase)
		assert.Empty(t, runErr.ID)
		assert.True(t, docker.IsNotFound(err))
		assert.Equal(t, "/containers/create", daemon.LastRequest().Path)
	})

	t.Run("reports a missing ID as a create failure", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.Respond(http.MethodPost, "/containers/create", http.StatusCreated, `{"Id":"","Warnings":[]}`)

		id, err := c.RunContainer(context.Background(), "nameless", sleeper())
		require.Error(t, err)
		assert.Empty(t, id)
		assert.ErrorIs(t, err, docker.ErrNoContainerID)

		var runErr *docker.RunError
		require.True(t, errors.As(err, &runErr))
		assert.Equal(t, docker.PhaseCreate, runErr.Phase)
		assert.Equal(t, "/containers/create", daemon.LastRequest().Path)
	})

	t.Run("reports start failures with the created ID", func(t *testing.T) {
		mock := &mockTransport{}
		mock.sendFunc = func(ctx context.Context, method, path string, opts transport.Options) (int, io.ReadCloser, error) {
			if path == "/containers/create" {
				return respond(http.StatusCreated, `{"Id":"abc123"}`)(ctx, method, path, opts)
			}
			return respond(http.StatusInternalServerError, `{"message":"cannot start"}`)(ctx, method, path, opts)
		}
		c := docker.NewClient(mock)

		id, err := c.RunContainer(context.Background(), "broken", sleeper())
		require.Error(t, err)
		assert.Empty(t, id)

		var runErr *docker.RunError
		require.True(t, errors.As(err, &runErr))
		assert.Equal(t, docker.PhaseStart, runErr.Phase)
		assert.Equal(t, "abc123", runErr.ID)
		assert.Equal(t, http.StatusInternalServerError, docker.StatusCode(err))
		assert.Contains(t, err.Error(), "failed to start container \"broken\" (abc123)")

		require.Len(t, mock.sent, 2)
		assert.Equal(t, "/containers/abc123/start", mock.sent[1].Path)
	})

	t.Run("rejects duplicate names as busy", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		_, err := c.RunContainer(ctx, "twin", sleeper())
		require.NoError(t, err)

		_, err = c.RunContainer(ctx, "twin", sleeper())
		require.Error(t, err)
		assert.True(t, docker.IsBusy(err))
	})
}

func TestStartAndStopContainer(t *testing.T) {
	c, daemon := newFakeClient(t)
	daemon.AddImage(testImage, nil)
	ctx := context.Background()

	created, err := c.CreateContainer(ctx, "lifecycle", sleeper())
	require.NoError(t, err)

	t.Run("starts a created container", func(t *testing.T) {
		require.NoError(t, c.StartContainer(ctx, created.ID))

		details, err := c.InspectContainer(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, details.State.Running)
	})

	t.Run("starting twice is not an error", func(t *testing.T) {
		require.NoError(t, c.StartContainer(ctx, created.ID))
	})

	t.Run("stops a running container", func(t *testing.T) {
		stopped, err := c.StopContainer(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, stopped)

		details, err := c.InspectContainer(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, details.State.Running)
	})

	t.Run("stopping a stopped container reports false", func(t *testing.T) {
		stopped, err := c.StopContainer(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, stopped)
	})

	t.Run("accepts names", func(t *testing.T) {
		require.NoError(t, c.StartContainer(ctx, "lifecycle"))
		stopped, err := c.StopContainer(ctx, "lifecycle")
		require.NoError(t, err)
		assert.True(t, stopped)
	})
}

func TestContainerStats(t *testing.T) {
	c, daemon := newFakeClient(t)
	daemon.AddImage(testImage, nil)
	ctx := context.Background()

	id, err := c.RunContainer(ctx, "stats-container", sleeper())
	require.NoError(t, err)

	t.Run("requests a snapshot", func(t *testing.T) {
		stats, err := c.ContainerStats(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, "/stats-container", stats.Name)
		assert.NotZero(t, stats.CPUStats.CPUUsage.TotalUsage)
		assert.Equal(t, "stream=false&one-shot=false", daemon.LastRequest().Query)
	})

	t.Run("passes one-shot", func(t *testing.T) {
		_, err := c.ContainerStats(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, "stream=false&one-shot=true", daemon.LastRequest().Query)
	})
}

func TestContainerLogs(t *testing.T) {
	c, daemon := newFakeClient(t)
	daemon.AddImage(testImage, nil)
	ctx := context.Background()

	id, err := c.RunContainer(ctx, "logger", printenv("HOOK_ME=engineclient"))
	require.NoError(t, err)

	t.Run("returns both streams", func(t *testing.T) {
		daemon.SetLogs(id, "out line\n", "err line\n")

		logs, err := c.ContainerLogs(ctx, id, docker.LogsAll)
		require.NoError(t, err)
		assert.Equal(t, "out line\nerr line\n", logs)
		assert.Equal(t, "stdout=true&stderr=true", daemon.LastRequest().Query)
	})

	t.Run("returns stdout only", func(t *testing.T) {
		daemon.SetLogs(id, "out line\n", "err line\n")

		logs, err := c.ContainerLogs(ctx, id, docker.LogsOut)
		require.NoError(t, err)
		assert.Equal(t, "out line\n", logs)
		assert.Equal(t, "stdout=true", daemon.LastRequest().Query)
	})

	t.Run("returns stderr only", func(t *testing.T) {
		daemon.SetLogs(id, "out line\n", "")

		logs, err := c.ContainerLogs(ctx, id, docker.LogsError)
		require.NoError(t, err)
		assert.Equal(t, "", logs)
		assert.Equal(t, "stderr=true", daemon.LastRequest().Query)
	})

	t.Run("strips control characters", func(t *testing.T) {
		daemon.SetLogs(id, "HOOK_ME=engineclient\r\n\x1b[31mred\x1b[0m\tend\n", "")

		logs, err := c.ContainerLogs(ctx, id, docker.LogsOut)
		require.NoError(t, err)
		assert.Equal(t, "HOOK_ME=engineclient\n[31mred[0mend\n", logs)
	})

	t.Run("fails with bad-parameter for unknown levels", func(t *testing.T) {
		_, err := c.ContainerLogs(ctx, id, docker.LogLevel("verbose"))
		require.Error(t, err)
		assert.True(t, docker.IsBadParameter(err))
	})
}

func TestDeleteContainer(t *testing.T) {
	t.Run("fails with resource-busy on running containers", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		id, err := c.RunContainer(ctx, "busy", sleeper())
		require.NoError(t, err)

		deleted, err := c.DeleteContainer(ctx, id, false)
		require.Error(t, err)
		assert.False(t, deleted)
		assert.True(t, docker.IsBusy(err))
		assert.Equal(t, http.StatusConflict, docker.StatusCode(err))

		deleted, err = c.DeleteContainer(ctx, id, true)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, "force=true", daemon.LastRequest().Query)

		_, err = c.InspectContainer(ctx, id)
		assert.True(t, docker.IsNotFound(err))
	})

	t.Run("deletes stopped containers without force", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		id, err := c.RunContainer(ctx, "stopper", sleeper())
		require.NoError(t, err)
		_, err = c.StopContainer(ctx, id)
		require.NoError(t, err)

		deleted, err := c.DeleteContainer(ctx, id, false)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, "", daemon.LastRequest().Query)
	})

	t.Run("fails with bad-parameter when the daemon rejects the request", func(t *testing.T) {
		mock := &mockTransport{sendFunc: respond(http.StatusBadRequest, `{"message":"bad parameter"}`)}
		c := docker.NewClient(mock)

		_, err := c.DeleteContainer(context.Background(), "", false)
		require.Error(t, err)
		assert.True(t, docker.IsBadParameter(err))
	})
}

func TestPruneContainers(t *testing.T) {
	t.Run("deletes every stopped container", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 10; i++ {
			id, err := c.RunContainer(ctx, fmt.Sprintf("testContainer%d", i+1), printenv())
			require.NoError(t, err)
			ids = append(ids, id)
		}

		all, err := c.ListContainers(ctx, docker.ListOptions{All: true})
		require.NoError(t, err)
		assert.Len(t, all, 10)

		report, err := c.PruneContainers(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, report.ContainersDeleted)

		all, err = c.ListContainers(ctx, docker.ListOptions{All: true})
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("keeps running containers", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		_, err := c.RunContainer(ctx, "keeper", sleeper())
		require.NoError(t, err)

		report, err := c.PruneContainers(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, report.ContainersDeleted)
		assert.Equal(t, 1, daemon.ContainerCount())
	})

	t.Run("filters by label", func(t *testing.T) {
		c, daemon := newFakeClient(t)
		daemon.AddImage(testImage, nil)
		ctx := context.Background()

		labeled := printenv()
		labeled.Labels = map[string]string{"IS_DOCKER_JOB": "yes"}
		labeledID, err := c.RunContainer(ctx, "labeled", labeled)
		require.NoError(t, err)
		_, err = c.RunContainer(ctx, "unlabeled", printenv())
		require.NoError(t, err)

		report, err := c.PruneContainers(ctx, "IS_DOCKER_JOB")
		require.NoError(t, err)
		assert.Equal(t, []string{labeledID}, report.ContainersDeleted)

		query, err := url.ParseQuery(daemon.LastRequest().Query)
		require.NoError(t, err)
		assert.JSONEq(t, `{"label":["IS_DOCKER_JOB"]}`, query.Get("filters"))
	})

	t.Run("reports nothing deleted for unmatched labels", func(t *testing.T) {
		c, _ := newFakeClient(t)

		report, err := c.PruneContainers(context.Background(), "IS_DOCKER_JOB")
		require.NoError(t, err)
		assert.Nil(t, report.ContainersDeleted)
	})
}
