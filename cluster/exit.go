package cluster

import (
	"errors"
	"os/exec"
	"syscall"
)

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}

// signalOf extracts the terminating signal name, when the worker was killed
// rather than exiting on its own.
func signalOf(err *exec.ExitError) (bool, string) {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false, ""
	}
	return true, ws.Signal().String()
}
