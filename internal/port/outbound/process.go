package outbound

import "context"

// AdapterProcess is one running stdio→HTTP adapter child.
// Implementations own the OS process; the supervisor owns the pool.
type AdapterProcess interface {
	// Start launches the child. It must be called exactly once.
	Start(ctx context.Context) error

	// Wait blocks until the child exits and returns its exit error.
	// Every started process must be waited on to reap the zombie.
	Wait() error

	// Stop terminates the child: graceful signal first, hard kill after
	// the grace period. Safe to call after the child already exited.
	Stop(ctx context.Context) error

	// PID returns the child's process ID, or 0 before Start.
	PID() int
}

// ProcessSpec describes the child to launch.
type ProcessSpec struct {
	// Name tags captured output lines for the audit trail.
	Name string
	// Command and Args form the argv.
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env map[string]string
	// OnLine, when set, receives each captured stdout/stderr line.
	OnLine func(stream, line string)
}

// ProcessFactory builds adapter processes; the supervisor uses it so
// tests can substitute fakes.
type ProcessFactory func(spec ProcessSpec) AdapterProcess
