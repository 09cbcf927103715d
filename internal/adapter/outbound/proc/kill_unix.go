//go:build !windows

package proc

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcGroup places the child in its own process group so termination
// signals reach grandchildren spawned by shell or npx wrappers.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGTERM) }

func forceKill(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGKILL) }

// signalGroup signals the child's whole process group, falling back to
// the child alone when the group lookup fails.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
