package sandbox

import (
	"errors"
	"os/exec"
	"sync"
)

const stderrTailBytes = 4 * 1024

// Stream identifies which output stream a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputFunc receives output chunks as they arrive. Calls are serialized.
// The chunk is only valid for the duration of the call.
type OutputFunc func(stream Stream, chunk []byte)

// Process is a started child process. Output streams and process exit are
// observed independently; Done closes only after the process has exited and
// both streams have been drained, in whichever order those happen.
type Process struct {
	done       chan struct{}
	stderrTail *tailBuffer

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func newProcess() *Process {
	return &Process{
		done:       make(chan struct{}),
		stderrTail: newTailBuffer(stderrTailBytes),
	}
}

// Done is closed once the process has completed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status. It is only meaningful after Done closes;
// -1 means the process was killed by a signal or could not be reaped.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the wait error that was not an exit status, such as an
// expired WaitDelay. It is only meaningful after Done closes.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StderrTail returns the last few KiB written to stderr.
func (p *Process) StderrTail() string {
	return p.stderrTail.String()
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) finish(exitCode int, waitErr error) {
	p.mu.Lock()
	p.exitCode = exitCode
	p.waitErr = waitErr
	p.mu.Unlock()
	close(p.done)
}

// exitError converts a completed process into nil or *ContainerExitError.
func (p *Process) exitError(container string) error {
	p.mu.Lock()
	code, waitErr := p.exitCode, p.waitErr
	p.mu.Unlock()
	if code == 0 && waitErr == nil {
		return nil
	}
	return &ContainerExitError{
		Container:  container,
		ExitCode:   code,
		StderrTail: p.StderrTail(),
	}
}

// startProcess launches cmd in its own process group and streams its output
// to onOutput. A start failure is returned directly; everything after start
// is reported through Done and ExitCode.
func startProcess(cmd *exec.Cmd, onOutput OutputFunc) (*Process, error) {
	proc := newProcess()
	sink := &outputSink{onOutput: onOutput}
	cmd.Stdout = &streamWriter{stream: StreamStdout, sink: sink}
	cmd.Stderr = &streamWriter{stream: StreamStderr, sink: sink, tail: proc.stderrTail}
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				err = nil
				if code == 0 {
					code = -1
				}
			} else {
				code = -1
			}
		}
		proc.finish(code, err)
	}()
	return proc, nil
}

type outputSink struct {
	mu       sync.Mutex
	onOutput OutputFunc
}

func (s *outputSink) emit(stream Stream, chunk []byte) {
	if s.onOutput == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOutput(stream, chunk)
}

type streamWriter struct {
	stream Stream
	sink   *outputSink
	tail   *tailBuffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.tail != nil {
		w.tail.Write(p)
	}
	w.sink.emit(w.stream, p)
	return len(p), nil
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
