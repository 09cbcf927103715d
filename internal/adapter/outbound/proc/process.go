// Package proc runs adapter child processes: spawn with a merged
// environment, pump stdout/stderr lines to the supervisor, and terminate
// the whole process group on stop.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/wardengate/wardengate/internal/port/outbound"
)

const (
	// lineInitialBufSize is the initial buffer for output line scanning.
	lineInitialBufSize = 64 * 1024 // 64KB

	// lineMaxBufSize caps a single output line. Longer lines end the
	// pump for that stream; the process itself is unaffected.
	lineMaxBufSize = 1024 * 1024 // 1MB
)

// Process is one spawned adapter child. The zero value is not usable;
// construct via New. A Process runs at most once: Start after exit
// fails, the supervisor spawns a fresh one per restart.
type Process struct {
	spec outbound.ProcessSpec

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool

	pumps   sync.WaitGroup
	done    chan struct{}
	waitErr error
}

// New is an outbound.ProcessFactory.
func New(spec outbound.ProcessSpec) outbound.AdapterProcess {
	return &Process{spec: spec, done: make(chan struct{})}
}

var _ outbound.ProcessFactory = New

// Start launches the child in its own process group and begins pumping
// its output. ctx bounds only the spawn, not the child's lifetime;
// Stop owns termination.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("process already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Env = mergedEnv(p.spec.Env)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("starting %s: %w", p.spec.Command, err)
	}
	p.cmd = cmd
	p.started = true

	p.pumps.Add(2)
	go p.pump("stdout", stdout)
	go p.pump("stderr", stderr)
	go p.reap()

	return nil
}

// pump forwards one output stream line by line.
func (p *Process) pump(stream string, r io.Reader) {
	defer p.pumps.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, lineInitialBufSize), lineMaxBufSize)
	for scanner.Scan() {
		if p.spec.OnLine != nil {
			p.spec.OnLine(stream, scanner.Text())
		}
	}
}

// reap collects the exit status once both pumps have drained. cmd.Wait
// closes the pipes, so it must come after the pumps.
func (p *Process) reap() {
	p.pumps.Wait()
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Wait blocks until the child exits and returns its exit status.
// Safe to call from multiple goroutines.
func (p *Process) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return errors.New("process not started")
	}
	<-p.done
	return p.waitErr
}

// Stop terminates the child: TERM to the process group, then KILL when
// ctx expires first. Stopping an exited or never-started process is a
// no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(cmd); err != nil && !ignorableSignalErr(err) {
		return fmt.Errorf("signaling %s: %w", p.spec.Name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = forceKill(cmd)
		<-p.done
		return nil
	}
}

// PID returns the child's process ID, or zero before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ignorableSignalErr filters races where the child exited between the
// liveness check and the signal.
func ignorableSignalErr(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err)
}

// mergedEnv layers overrides onto the parent environment; later entries
// win inside exec.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
