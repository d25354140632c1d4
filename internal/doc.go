// Package internal contains the support code of the engineclient command.
//
// It provides configuration parsing, container naming, cleanup orchestration,
// logging setup and the output abstraction used by main.
package internal
