package internal

// ContainerName is the name given to a container created by the run command.
type ContainerName string

// Command represents the command and arguments to execute in the container.
type Command []string

// Environment represents environment variables to pass to the container.
type Environment []string
