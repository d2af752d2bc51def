package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ImageEnvVar carries the image tag the build script must produce.
const ImageEnvVar = "CLAWBOX_SANDBOX_IMAGE"

// BuildSpec describes one run of the sandbox image build script.
type BuildSpec struct {
	Script string
	Image  string
	Dir    string
}

// BuildImage runs the build script, streaming its output. A non-zero exit
// is returned as *BuildError.
func BuildImage(ctx context.Context, spec BuildSpec, onOutput OutputFunc) error {
	script := strings.TrimSpace(spec.Script)
	if script == "" {
		return errors.New("build script is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return errors.New("image is required")
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), ImageEnvVar+"="+spec.Image)

	proc, err := startProcess(cmd, onOutput)
	if err != nil {
		return fmt.Errorf("start sandbox build script %q: %w", script, err)
	}
	<-proc.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	if code := proc.ExitCode(); code != 0 {
		return &BuildError{Script: script, ExitCode: code, StderrTail: proc.StderrTail()}
	}
	return nil
}
