package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/logging"
)

// fakeRuntime is an in-memory Runtime. Containers run until removed or
// exited through exit.
type fakeRuntime struct {
	mu sync.Mutex

	images      map[string]bool
	procs       map[string]*Process
	keys        map[string]string
	attached    map[string][]*Process
	runs        []RunSpec
	removed     []string
	execs       [][]string
	execCode    int
	notReady    bool
	exitOnRun   int
	stderrOnRun string

	// runStarted and runRelease, when set, pause Run until released.
	runStarted chan struct{}
	runRelease chan struct{}
}

func newFakeRuntime(images ...string) *fakeRuntime {
	rt := &fakeRuntime{
		images:   make(map[string]bool),
		procs:    make(map[string]*Process),
		keys:     make(map[string]string),
		attached: make(map[string][]*Process),
	}
	for _, image := range images {
		rt.images[image] = true
	}
	return rt
}

func (r *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[image], nil
}

func (r *fakeRuntime) Run(spec RunSpec, _ OutputFunc) (*Process, error) {
	r.mu.Lock()
	started, release := r.runStarted, r.runRelease
	r.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	proc := newProcess()
	r.runs = append(r.runs, spec)
	r.procs[spec.Name] = proc
	r.keys[spec.Name] = spec.Key
	if r.exitOnRun != 0 {
		proc.stderrTail.Write([]byte(r.stderrOnRun))
		proc.finish(r.exitOnRun, nil)
	}
	return proc, nil
}

func (r *fakeRuntime) IsRunning(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notReady {
		return false, nil
	}
	proc, ok := r.procs[name]
	return ok && !proc.exited(), nil
}

func (r *fakeRuntime) ContainerKey(_ context.Context, name string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[name]
	if !ok || proc.exited() {
		return "", false, nil
	}
	return r.keys[name], true, nil
}

func (r *fakeRuntime) Attach(name string) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc := newProcess()
	if run, ok := r.procs[name]; !ok || run.exited() {
		proc.finish(1, nil)
		return proc, nil
	}
	r.attached[name] = append(r.attached[name], proc)
	return proc, nil
}

func (r *fakeRuntime) Exec(_ context.Context, name string, argv []string, onOutput OutputFunc) (int, error) {
	r.mu.Lock()
	r.execs = append(r.execs, append([]string{name}, argv...))
	code := r.execCode
	r.mu.Unlock()
	if onOutput != nil {
		onOutput(StreamStdout, []byte("ok\n"))
	}
	return code, nil
}

func (r *fakeRuntime) Remove(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, name)
	if proc, ok := r.procs[name]; ok && !proc.exited() {
		proc.finish(137, nil)
	}
	r.finishAttached(name)
	return nil
}

// finishAttached ends every Attach process for name. Callers hold r.mu.
func (r *fakeRuntime) finishAttached(name string) {
	for _, proc := range r.attached[name] {
		if !proc.exited() {
			proc.finish(0, nil)
		}
	}
	delete(r.attached, name)
}

func (r *fakeRuntime) List(_ context.Context) ([]ContainerStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ContainerStatus
	for name, proc := range r.procs {
		if proc.exited() {
			continue
		}
		out = append(out, ContainerStatus{Name: name, Status: "Up"})
	}
	return out, nil
}

// exit simulates the container process ending on its own.
func (r *fakeRuntime) exit(name string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if proc, ok := r.procs[name]; ok && !proc.exited() {
		proc.finish(code, nil)
	}
	r.finishAttached(name)
}

func (r *fakeRuntime) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *fakeRuntime) attachCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached[name])
}

func (r *fakeRuntime) runSpecs() []RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunSpec(nil), r.runs...)
}

func (r *fakeRuntime) removedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func (r *fakeRuntime) execCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.execs...)
}

func testManagerOptions() ManagerOptions {
	return ManagerOptions{
		ReadyTimeout:  time.Second,
		ReadyInterval: 5 * time.Millisecond,
		Output:        func(string, Stream, []byte) {},
	}
}

func testSpec(t *testing.T, name string) ContainerSpec {
	t.Helper()
	return ContainerSpec{
		Name:         name,
		Key:          name,
		Image:        "test-image",
		WorkspaceDir: t.TempDir(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	logging.SetOutput(buf)
	t.Cleanup(func() { logging.SetOutput(io.Discard) })
	return buf
}

func ptr[T any](v T) *T {
	return &v
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
