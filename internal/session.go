package internal

import (
	"fmt"
	"math/rand/v2"
)

type Session struct {
	id int64
}

// GenerateSession creates a new session with a random numeric identifier.
// The session names containers started without an explicit name.
func GenerateSession() Session {
	return Session{id: rand.Int64N(10000)}
}

// String returns the string representation of the session, equivalent to calling ID().
func (s Session) String() string {
	return string(s.ID())
}

// ID returns the container name in the format "engineclient-<number>".
func (s Session) ID() ContainerName {
	return ContainerName(fmt.Sprintf("engineclient-%d", s.id))
}
