//go:build windows

package proc

import "os/exec"

// Windows has no unix-style process groups; signals address the direct
// child only and termination is always hard.
func setProcGroup(_ *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error { return terminate(cmd) }

func isNoSuchProcess(_ error) bool { return false }
