//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

func terminateChild(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

func killChild(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// sweepOrphans signals every process whose command line carries the tracking
// token. Descendants re-parent when the direct child dies, so matching is by
// token, not PID tree. pkill exits 1 when nothing matched; that is not an
// error here.
func sweepOrphans(token, signal string) error {
	if token == "" {
		return nil
	}
	err := exec.Command("pkill", "-"+signal, "-f", token).Run()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return nil
	}
	return err
}

// exitSignal returns the signal that terminated the child, and whether the
// exit was signal-driven at all.
func exitSignal(cmd *exec.Cmd) (syscall.Signal, bool) {
	if cmd == nil || cmd.ProcessState == nil {
		return 0, false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return ws.Signal(), true
}
