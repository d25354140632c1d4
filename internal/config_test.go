package internal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryanmoran/engineclient/docker"
	"github.com/ryanmoran/engineclient/internal"
)

func TestConfig(t *testing.T) {
	t.Run("ParseConfig", func(t *testing.T) {
		t.Run("when given a command", func(t *testing.T) {
			config, err := internal.ParseConfig([]string{"stop", "web", "db"}, nil)
			require.NoError(t, err)
			require.Equal(t, "stop", config.Command)
			require.Equal(t, internal.Command([]string{"web", "db"}), config.Operands)
			require.Equal(t, docker.LogsAll, config.Level)
			require.Empty(t, config.Endpoint)
			require.Empty(t, config.SocketPath)
		})

		t.Run("reads the engine environment", func(t *testing.T) {
			env := []string{
				"ENGINE_ENDPOINT=http://127.0.0.1:2375",
				"ENGINE_SOCKET=/var/run/docker.sock",
				"ENGINE_API_VERSION=1.41",
				"OTHER_KEY=other-value",
			}

			config, err := internal.ParseConfig([]string{"info"}, env)
			require.NoError(t, err)
			require.Equal(t, "http://127.0.0.1:2375", config.Endpoint)
			require.Equal(t, "/var/run/docker.sock", config.SocketPath)
			require.Equal(t, "1.41", config.APIVersion)
		})

		t.Run("falls back to a unix DOCKER_HOST", func(t *testing.T) {
			config, err := internal.ParseConfig([]string{"info"}, []string{"DOCKER_HOST=unix:///run/user/1000/docker.sock"})
			require.NoError(t, err)
			require.Equal(t, "/run/user/1000/docker.sock", config.SocketPath)
			require.Empty(t, config.Endpoint)
		})

		t.Run("falls back to a tcp DOCKER_HOST", func(t *testing.T) {
			config, err := internal.ParseConfig([]string{"info"}, []string{"DOCKER_HOST=tcp://10.0.0.5:2375"})
			require.NoError(t, err)
			require.Equal(t, "http://10.0.0.5:2375", config.Endpoint)
			require.Empty(t, config.SocketPath)
		})

		t.Run("prefers the engine environment over DOCKER_HOST", func(t *testing.T) {
			env := []string{
				"DOCKER_HOST=tcp://10.0.0.5:2375",
				"ENGINE_ENDPOINT=http://127.0.0.1:2375",
			}

			config, err := internal.ParseConfig([]string{"info"}, env)
			require.NoError(t, err)
			require.Equal(t, "http://127.0.0.1:2375", config.Endpoint)
		})

		t.Run("prefers flags over the environment", func(t *testing.T) {
			args := []string{
				"--endpoint", "http://flag:2375",
				"--socket", "/flag.sock",
				"--api-version", "1.43",
				"info",
			}
			env := []string{
				"ENGINE_ENDPOINT=http://env:2375",
				"ENGINE_SOCKET=/env.sock",
				"ENGINE_API_VERSION=1.41",
			}

			config, err := internal.ParseConfig(args, env)
			require.NoError(t, err)
			require.Equal(t, "http://flag:2375", config.Endpoint)
			require.Equal(t, "/flag.sock", config.SocketPath)
			require.Equal(t, "1.43", config.APIVersion)
		})

		t.Run("with list flags", func(t *testing.T) {
			args := []string{"--all", "--limit", "5", "--filter", "status=exited", "--filter", "label=job", "--filter", "label=team=a", "ps"}

			config, err := internal.ParseConfig(args, nil)
			require.NoError(t, err)
			require.True(t, config.All)
			require.Equal(t, 5, config.Limit)
			require.Equal(t, docker.Filters{
				"status": {"exited"},
				"label":  {"job", "team=a"},
			}, config.Filters)
		})

		t.Run("with run flags", func(t *testing.T) {
			args := []string{"--name", "web", "--env", "VAR1=value1", "--env", "VAR2=value2", "run", "alpine", "printenv"}

			config, err := internal.ParseConfig(args, nil)
			require.NoError(t, err)
			require.Equal(t, internal.ContainerName("web"), config.Name)
			require.Equal(t, internal.Environment([]string{"VAR1=value1", "VAR2=value2"}), config.Env)
			require.Equal(t, "run", config.Command)
			require.Equal(t, internal.Command([]string{"alpine", "printenv"}), config.Operands)
		})

		t.Run("with removal and output flags", func(t *testing.T) {
			args := []string{"--force", "--one-shot", "--level", "error", "--label", "IS_DOCKER_JOB", "--debug", "logs", "id"}

			config, err := internal.ParseConfig(args, nil)
			require.NoError(t, err)
			require.True(t, config.Force)
			require.True(t, config.OneShot)
			require.True(t, config.Debug)
			require.Equal(t, docker.LogsError, config.Level)
			require.Equal(t, "IS_DOCKER_JOB", config.Label)
		})

		t.Run("leaves operand flags to the command", func(t *testing.T) {
			config, err := internal.ParseConfig([]string{"run", "alpine", "ls", "--all"}, nil)
			require.NoError(t, err)
			require.False(t, config.All)
			require.Equal(t, internal.Command([]string{"alpine", "ls", "--all"}), config.Operands)
		})
	})
}
