package process

import (
	"errors"
	"os/exec"
	"time"
)

// Spec describes one child launch. Argv is executed directly, never through a shell.
type Spec struct {
	Name string   // for logs only
	Argv []string // argv[0] is resolved through PATH
	Dir  string   // working directory
	Env  []string // extra "K=V" entries merged over the launcher environment

	// LogPath receives stdout and stderr. It is truncated unless AppendLog is set.
	LogPath   string
	AppendLog bool
	// InheritStdio connects the child to the supervisor's terminal and wins over LogPath.
	InheritStdio bool
}

// Launched is what the launcher knows right after a successful spawn.
type Launched struct {
	PID       int
	Argv      []string
	StartedAt time.Time
}

var errEmptyArgv = errors.New("process: empty argv")

// buildCommand constructs the *exec.Cmd for spec without a shell.
func (s Spec) buildCommand() (*exec.Cmd, error) {
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return nil, errEmptyArgv
	}
	// #nosec G204
	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	return cmd, nil
}
