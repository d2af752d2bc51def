package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/neoclaw-ai/clawbox/internal/config"
)

// fakeDocker emulates the docker CLI closely enough for one container: run
// blocks until rm, wait blocks while it runs, and exec runs the command on
// the host. Each run is appended to runs.log.
const fakeDocker = `#!/bin/sh
dir=$(dirname "$0")
case "$1" in
  image)
    exit 0
    ;;
  container)
    case "$4" in
      *Labels*)
        if [ -f "$dir/run.pid" ]; then cat "$dir/run.key"; exit 0; fi
        echo "Error: No such container: $5" >&2
        exit 1
        ;;
    esac
    if [ -f "$dir/run.pid" ]; then echo true; else echo false; fi
    exit 0
    ;;
  run)
    for arg in "$@"; do
      case "$arg" in clawbox.key=*) echo "${arg#clawbox.key=}" > "$dir/run.key" ;; esac
    done
    echo run >> "$dir/runs.log"
    echo $$ > "$dir/run.pid"
    trap 'rm -f "$dir/run.pid"; exit 0' TERM
    while :; do sleep 0.05; done
    ;;
  wait)
    while [ -f "$dir/run.pid" ]; do sleep 0.05; done
    echo 0
    exit 0
    ;;
  exec)
    shift 4
    exec "$@"
    ;;
  rm)
    if [ -f "$dir/run.pid" ]; then kill "$(cat "$dir/run.pid")"; rm -f "$dir/run.pid"; fi
    exit 0
    ;;
  ps)
    printf 'clawbox-sbx-untracked\tagent:x:1\tUp 3 minutes\n'
    exit 0
    ;;
esac
exit 99
`

func createTestHome(t *testing.T) string {
	t.Helper()
	homeDir := filepath.Join(t.TempDir(), ".clawbox")
	t.Setenv(config.HomeEnvVar, homeDir)
	t.Setenv("HOME", t.TempDir())
	return homeDir
}

func writeConfig(t *testing.T, homeDir, body string) {
	t.Helper()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(homeDir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeExecutable(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
