package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/neoclaw-ai/clawbox/internal/config"
)

const (
	labelManaged = "clawbox.managed"
	labelKey     = "clawbox.key"
)

// RunSpec describes one sandbox container to launch.
type RunSpec struct {
	Name         string
	Key          string
	Image        string
	WorkspaceDir string
	// AgentWorkspaceDir is mounted read-only when set.
	AgentWorkspaceDir string
}

// ContainerStatus is one container as reported by the runtime.
type ContainerStatus struct {
	Name   string
	Key    string
	Status string
}

// Runtime drives the container engine on this host.
type Runtime interface {
	// ImageExists reports whether image is available locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// Run launches a container in the foreground. The returned process
	// completes when the container stops.
	Run(spec RunSpec, onOutput OutputFunc) (*Process, error)
	// IsRunning reports whether the named container is up.
	IsRunning(ctx context.Context, name string) (bool, error)
	// ContainerKey returns the identity label of the named container.
	// found is false when no such container exists.
	ContainerKey(ctx context.Context, name string) (key string, found bool, err error)
	// Attach follows a container started elsewhere. The returned process
	// completes when the container stops.
	Attach(name string) (*Process, error)
	// Exec runs argv in the named container and returns its exit code.
	Exec(ctx context.Context, name string, argv []string, onOutput OutputFunc) (int, error)
	// Remove force-removes the named container. A missing container is not an error.
	Remove(ctx context.Context, name string) error
	// List returns containers launched by clawbox.
	List(ctx context.Context) ([]ContainerStatus, error)
}

// DockerRuntime implements Runtime with the docker CLI.
type DockerRuntime struct {
	Binary       string
	Workdir      string
	AgentWorkdir string
	Network      string
	ExtraArgs    []string
	Command      []string
}

// NewDockerRuntime builds a docker CLI runtime from config.
func NewDockerRuntime(cfg config.DockerConfig) (*DockerRuntime, error) {
	extraArgs, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse docker.extra_args: %w", err)
	}
	command, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse docker.command: %w", err)
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "docker"
	}
	return &DockerRuntime{
		Binary:       binary,
		Workdir:      cfg.Workdir,
		AgentWorkdir: cfg.AgentWorkdir,
		Network:      cfg.Network,
		ExtraArgs:    extraArgs,
		Command:      command,
	}, nil
}

// RunArgs returns the docker arguments used to launch spec.
func (d *DockerRuntime) RunArgs(spec RunSpec) []string {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--label", labelManaged + "=true",
		"--label", labelKey + "=" + spec.Key,
	}
	if d.Workdir != "" {
		args = append(args, "-v", spec.WorkspaceDir+":"+d.Workdir, "-w", d.Workdir)
	}
	if d.AgentWorkdir != "" && spec.AgentWorkspaceDir != "" {
		args = append(args, "-v", spec.AgentWorkspaceDir+":"+d.AgentWorkdir+":ro")
	}
	if d.Network != "" {
		args = append(args, "--network", d.Network)
	}
	args = append(args, d.ExtraArgs...)
	args = append(args, spec.Image)
	args = append(args, d.Command...)
	return args
}

func (d *DockerRuntime) Run(spec RunSpec, onOutput OutputFunc) (*Process, error) {
	// The container outlives any single request, so it is not bound to a
	// caller context; it ends through Remove.
	cmd := exec.CommandContext(context.Background(), d.Binary, d.RunArgs(spec)...)
	return startProcess(cmd, onOutput)
}

func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := d.output(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (d *DockerRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	out, err := d.output(ctx, "container", "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (d *DockerRuntime) ContainerKey(ctx context.Context, name string) (string, bool, error) {
	out, err := d.output(ctx, "container", "inspect", "--format", `{{index .Config.Labels "`+labelKey+`"}}`, name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

func (d *DockerRuntime) Attach(name string) (*Process, error) {
	// Like Run, this follows the container past any single request.
	cmd := exec.CommandContext(context.Background(), d.Binary, "wait", name)
	return startProcess(cmd, nil)
}

func (d *DockerRuntime) Exec(ctx context.Context, name string, argv []string, onOutput OutputFunc) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("exec command is required")
	}
	args := []string{"exec"}
	if d.Workdir != "" {
		args = append(args, "-w", d.Workdir)
	}
	args = append(args, name)
	args = append(args, argv...)

	proc, err := startProcess(exec.CommandContext(ctx, d.Binary, args...), onOutput)
	if err != nil {
		return 0, fmt.Errorf("start docker exec: %w", err)
	}
	return waitExec(ctx, proc)
}

// waitExec waits for a docker exec process. A wait failure other than a
// non-zero exit is returned with the code.
func waitExec(ctx context.Context, proc *Process) (int, error) {
	<-proc.Done()
	if err := ctx.Err(); err != nil {
		return proc.ExitCode(), err
	}
	if err := proc.Err(); err != nil {
		return proc.ExitCode(), fmt.Errorf("wait for docker exec: %w", err)
	}
	return proc.ExitCode(), nil
}

func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	_, err := d.output(ctx, "rm", "-f", name)
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(string(exitErr.Stderr)), "no such container") {
		return nil
	}
	return fmt.Errorf("remove container %q: %w", name, err)
}

func (d *DockerRuntime) List(ctx context.Context) ([]ContainerStatus, error) {
	out, err := d.output(ctx,
		"ps", "-a",
		"--filter", "label="+labelManaged+"=true",
		"--format", `{{.Names}}\t{{.Label "`+labelKey+`"}}\t{{.Status}}`,
	)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var statuses []ContainerStatus
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		statuses = append(statuses, ContainerStatus{
			Name:   strings.TrimSpace(fields[0]),
			Key:    strings.TrimSpace(fields[1]),
			Status: strings.TrimSpace(fields[2]),
		})
	}
	return statuses, nil
}

// output runs a short docker command and returns its stdout.
func (d *DockerRuntime) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	configureProcessGroup(cmd)
	out, err := cmd.Output()
	return string(out), err
}
