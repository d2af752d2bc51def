package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/logging"
	"golang.org/x/sync/singleflight"
)

const (
	defaultReadyTimeout  = 30 * time.Second
	defaultReadyInterval = 200 * time.Millisecond
)

// ContainerSpec identifies the container a session needs.
type ContainerSpec struct {
	Name         string
	Key          string
	Image        string
	WorkspaceDir string
	// AgentWorkspaceDir is mounted read-only when the container is created.
	// A reused or adopted container keeps the mount it was created with.
	AgentWorkspaceDir string
}

// Handle is a live sandbox container.
type Handle struct {
	spec      ContainerSpec
	process   *Process
	runtime   Runtime
	createdAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	stopping   bool
}

// Name returns the container name.
func (h *Handle) Name() string {
	return h.spec.Name
}

// Key returns the identity unit the container was created for.
func (h *Handle) Key() string {
	return h.spec.Key
}

// WorkspaceDir returns the host directory mounted into the container.
func (h *Handle) WorkspaceDir() string {
	return h.spec.WorkspaceDir
}

// Done is closed when the container process has completed.
func (h *Handle) Done() <-chan struct{} {
	return h.process.Done()
}

// Running reports whether the container process is still alive.
func (h *Handle) Running() bool {
	return !h.process.exited()
}

// Wait blocks until the container completes. It returns nil for exit code 0
// and *ContainerExitError otherwise.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.process.Done():
		return h.process.exitError(h.spec.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec runs argv inside the container, streaming output to onOutput.
// A non-zero exit code is returned, not treated as an error.
func (h *Handle) Exec(ctx context.Context, argv []string, onOutput OutputFunc) (int, error) {
	if !h.Running() {
		return 0, h.process.exitError(h.spec.Name)
	}
	h.touch(time.Now())
	return h.runtime.Exec(ctx, h.spec.Name, argv, onOutput)
}

// Stop removes the container and waits for its process to complete.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	if err := h.runtime.Remove(ctx, h.spec.Name); err != nil {
		return err
	}
	select {
	case <-h.process.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the handle's bookkeeping.
func (h *Handle) Info() ContainerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ContainerInfo{
		Name:         h.spec.Name,
		Key:          h.spec.Key,
		Image:        h.spec.Image,
		WorkspaceDir: h.spec.WorkspaceDir,
		CreatedAt:    h.createdAt,
		LastUsedAt:   h.lastUsedAt,
	}
}

func (h *Handle) touch(at time.Time) {
	h.mu.Lock()
	h.lastUsedAt = at
	h.mu.Unlock()
}

func (h *Handle) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// ManagerOptions tunes a Manager. Zero values pick defaults.
type ManagerOptions struct {
	// Registry persists container bookkeeping; nil keeps it in memory only.
	Registry *Registry
	// ReadyTimeout bounds how long a new container may take to report running.
	ReadyTimeout time.Duration
	// ReadyInterval is the readiness poll period.
	ReadyInterval time.Duration
	// SetupCommand runs once inside each new container after it is ready.
	SetupCommand []string
	// Output receives container output; nil logs it at debug level.
	Output func(container string, stream Stream, chunk []byte)
}

// Manager owns the process-wide map from container name to live handle.
// Creation is deduplicated per name; unrelated names never wait on each other.
type Manager struct {
	runtime Runtime
	opts    ManagerOptions
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	group   singleflight.Group
}

// NewManager creates a lifecycle manager over runtime.
func NewManager(runtime Runtime, opts ManagerOptions) *Manager {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = defaultReadyInterval
	}
	if opts.Output == nil {
		opts.Output = logContainerOutput
	}
	return &Manager{
		runtime: runtime,
		opts:    opts,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// Runtime returns the runtime the manager drives.
func (m *Manager) Runtime() Runtime {
	return m.runtime
}

// Ensure returns the running container for spec.Name, spawning it if needed.
// Concurrent callers for the same name share one spawn. If ctx ends while a
// spawn is in flight the caller gets ctx.Err(), and the spawn still finishes
// and is tracked so no half-started container is left behind.
func (m *Manager) Ensure(ctx context.Context, spec ContainerSpec) (*Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if h := m.reuse(spec); h != nil {
		return h, nil
	}

	spawnCtx := context.WithoutCancel(ctx)
	results := m.group.DoChan(spec.Name, func() (any, error) {
		if h := m.reuse(spec); h != nil {
			return h, nil
		}
		return m.spawn(spawnCtx, spec)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the tracked running handle for name.
func (m *Manager) Get(name string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok || !h.Running() {
		return nil, false
	}
	return h, true
}

// List returns tracked running containers sorted by name.
func (m *Manager) List() []ContainerInfo {
	m.mu.Lock()
	infos := make([]ContainerInfo, 0, len(m.handles))
	for _, h := range m.handles {
		if h.Running() {
			infos = append(infos, h.Info())
		}
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b ContainerInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// Stop tears down the named container, tracked or not.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	h := m.handles[name]
	m.mu.Unlock()

	if h != nil {
		return h.Stop(ctx)
	}
	if err := m.runtime.Remove(ctx, name); err != nil {
		return err
	}
	m.forget(name)
	return nil
}

// StopAll tears down every tracked container.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reuse(spec ContainerSpec) *Handle {
	m.mu.Lock()
	h, ok := m.handles[spec.Name]
	m.mu.Unlock()
	if !ok || !h.Running() {
		return nil
	}

	if spec.Key != "" && h.Key() != spec.Key {
		logging.Logger().Warn(
			"sandbox identity collision",
			"container", spec.Name,
			"existing_key", h.Key(),
			"requested_key", spec.Key,
		)
	}

	now := m.now()
	h.touch(now)
	if m.opts.Registry != nil {
		if err := m.opts.Registry.Touch(spec.Name, now); err != nil {
			logging.Logger().Warn("failed to record sandbox use", "container", spec.Name, "err", err)
		}
	}
	return h
}

func (m *Manager) spawn(ctx context.Context, spec ContainerSpec) (*Handle, error) {
	h, err := m.adopt(ctx, spec)
	if err != nil {
		logging.Logger().Warn("failed to adopt running sandbox container", "container", spec.Name, "err", err)
	}
	if h != nil {
		m.track(h)
		logging.Logger().Info("adopted running sandbox container", "container", spec.Name, "key", spec.Key)
		return h, nil
	}

	exists, err := m.runtime.ImageExists(ctx, spec.Image)
	if err != nil {
		return nil, &SpawnError{Container: spec.Name, Err: fmt.Errorf("inspect image %q: %w", spec.Image, err)}
	}
	if !exists {
		return nil, &SpawnError{
			Container: spec.Name,
			Err:       fmt.Errorf("%w: %s (build it with `clawbox sandbox build`)", ErrImageNotFound, spec.Image),
		}
	}

	if err := os.MkdirAll(spec.WorkspaceDir, 0o755); err != nil {
		return nil, &SpawnError{Container: spec.Name, Err: fmt.Errorf("create workspace %q: %w", spec.WorkspaceDir, err)}
	}
	agentWorkspace := spec.AgentWorkspaceDir
	if agentWorkspace != "" {
		if info, err := os.Stat(agentWorkspace); err != nil || !info.IsDir() {
			logging.Logger().Warn("agent workspace not mounted", "container", spec.Name, "dir", agentWorkspace, "err", err)
			agentWorkspace = ""
		}
	}

	// A stopped container, or one started for another key, would make the name unavailable.
	if err := m.runtime.Remove(ctx, spec.Name); err != nil {
		logging.Logger().Warn("failed to remove stale sandbox container", "container", spec.Name, "err", err)
	}

	output := m.opts.Output
	proc, err := m.runtime.Run(
		RunSpec{
			Name:              spec.Name,
			Key:               spec.Key,
			Image:             spec.Image,
			WorkspaceDir:      spec.WorkspaceDir,
			AgentWorkspaceDir: agentWorkspace,
		},
		func(stream Stream, chunk []byte) { output(spec.Name, stream, chunk) },
	)
	if err != nil {
		return nil, &SpawnError{Container: spec.Name, Err: err}
	}

	now := m.now()
	h = &Handle{
		spec:       spec,
		process:    proc,
		runtime:    m.runtime,
		createdAt:  now,
		lastUsedAt: now,
	}

	if err := m.waitReady(ctx, h); err != nil {
		m.teardown(h)
		return nil, err
	}
	if err := m.runSetup(ctx, h); err != nil {
		m.teardown(h)
		return nil, err
	}

	m.track(h)
	logging.Logger().Info("sandbox container started", "container", spec.Name, "image", spec.Image, "workspace", spec.WorkspaceDir)
	return h, nil
}

// adopt attaches to a running container with the same name and key, such as
// one kept by an earlier clawbox process. It returns nil when there is
// nothing to adopt.
func (m *Manager) adopt(ctx context.Context, spec ContainerSpec) (*Handle, error) {
	running, err := m.runtime.IsRunning(ctx, spec.Name)
	if err != nil || !running {
		return nil, err
	}
	key, found, err := m.runtime.ContainerKey(ctx, spec.Name)
	if err != nil || !found {
		return nil, err
	}
	if key != spec.Key {
		logging.Logger().Warn(
			"replacing sandbox container started for another identity",
			"container", spec.Name,
			"existing_key", key,
			"requested_key", spec.Key,
		)
		return nil, nil
	}

	proc, err := m.runtime.Attach(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("attach to container: %w", err)
	}
	now := m.now()
	return &Handle{
		spec:       spec,
		process:    proc,
		runtime:    m.runtime,
		createdAt:  m.createdAt(spec.Name, now),
		lastUsedAt: now,
	}, nil
}

// createdAt returns the recorded creation time of name, or fallback.
func (m *Manager) createdAt(name string, fallback time.Time) time.Time {
	if m.opts.Registry == nil {
		return fallback
	}
	entries, err := m.opts.Registry.List()
	if err != nil {
		return fallback
	}
	for _, entry := range entries {
		if entry.Name == name && !entry.CreatedAt.IsZero() {
			return entry.CreatedAt
		}
	}
	return fallback
}

// track registers a live handle and watches it for exit.
func (m *Manager) track(h *Handle) {
	m.mu.Lock()
	m.handles[h.Name()] = h
	m.mu.Unlock()
	if m.opts.Registry != nil {
		if err := m.opts.Registry.Upsert(h.Info()); err != nil {
			logging.Logger().Warn("failed to record sandbox container", "container", h.Name(), "err", err)
		}
	}
	go m.watch(h)
}

func (m *Manager) waitReady(ctx context.Context, h *Handle) error {
	deadline := time.NewTimer(m.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.ReadyInterval)
	defer ticker.Stop()

	for {
		running, err := m.runtime.IsRunning(ctx, h.Name())
		if err == nil && running {
			return nil
		}
		select {
		case <-h.Done():
			if exitErr := h.process.exitError(h.Name()); exitErr != nil {
				return exitErr
			}
			return &SpawnError{Container: h.Name(), Err: errors.New("container exited before becoming ready")}
		case <-deadline.C:
			if err == nil {
				err = errors.New("container is not running")
			}
			return &SpawnError{Container: h.Name(), Err: fmt.Errorf("not ready after %s: %w", m.opts.ReadyTimeout, err)}
		case <-ticker.C:
		}
	}
}

func (m *Manager) runSetup(ctx context.Context, h *Handle) error {
	if len(m.opts.SetupCommand) == 0 {
		return nil
	}
	output := m.opts.Output
	code, err := m.runtime.Exec(ctx, h.Name(), m.opts.SetupCommand, func(stream Stream, chunk []byte) {
		output(h.Name(), stream, chunk)
	})
	if err != nil {
		return &SpawnError{Container: h.Name(), Err: fmt.Errorf("run setup command: %w", err)}
	}
	if code != 0 {
		return &SpawnError{Container: h.Name(), Err: fmt.Errorf("setup command exited with code %d", code)}
	}
	return nil
}

// teardown removes a container that failed to come up and waits briefly for its process.
func (m *Manager) teardown(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		logging.Logger().Warn("failed to tear down sandbox container", "container", h.Name(), "err", err)
	}
}

// watch drops the handle once its process completes so the next Ensure spawns fresh.
func (m *Manager) watch(h *Handle) {
	<-h.Done()

	m.mu.Lock()
	current := m.handles[h.Name()]
	if current == h {
		delete(m.handles, h.Name())
	}
	m.mu.Unlock()
	if current == h {
		m.forget(h.Name())
	}

	if err := h.process.exitError(h.Name()); err != nil && !h.isStopping() {
		logging.Logger().Warn("sandbox container exited", "container", h.Name(), "err", err)
		return
	}
	logging.Logger().Info("sandbox container stopped", "container", h.Name())
}

func (m *Manager) forget(name string) {
	if m.opts.Registry == nil {
		return
	}
	if err := m.opts.Registry.Remove(name); err != nil {
		logging.Logger().Warn("failed to remove sandbox registry entry", "container", name, "err", err)
	}
}

func logContainerOutput(container string, stream Stream, chunk []byte) {
	logging.Logger().Debug(
		"sandbox output",
		"container", container,
		"stream", string(stream),
		"text", strings.TrimRight(string(chunk), "\n"),
	)
}
