package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrImageNotFound reports that the sandbox image has not been built on this host.
var ErrImageNotFound = errors.New("sandbox image not found")

// ConfigurationError reports a present but invalid sandbox setting.
type ConfigurationError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
	}
	quoted := make([]string, 0, len(e.Allowed))
	for _, allowed := range e.Allowed {
		quoted = append(quoted, fmt.Sprintf("%q", allowed))
	}
	return fmt.Sprintf("invalid %s %q (allowed: %s)", e.Field, e.Value, strings.Join(quoted, ", "))
}

// SpawnError reports that a container could not be launched or never became ready.
type SpawnError struct {
	Container string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn sandbox container %q: %v", e.Container, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ContainerExitError reports a container process that started and then exited non-zero.
type ContainerExitError struct {
	Container  string
	ExitCode   int
	StderrTail string
}

func (e *ContainerExitError) Error() string {
	msg := fmt.Sprintf("sandbox container %q exited with code %d", e.Container, e.ExitCode)
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// BuildError reports a failed image build script run.
type BuildError struct {
	Script     string
	ExitCode   int
	StderrTail string
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("sandbox image build %q failed with exit code %d", e.Script, e.ExitCode)
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}
