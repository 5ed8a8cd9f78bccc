//go:build !unix

package supervisor

import (
	"os"
	"os/exec"

	"perfharness/pkg/benchtypes"
)

func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func exitStatus(exitErr *exec.ExitError) *benchtypes.ExitStatus {
	return &benchtypes.ExitStatus{Code: exitErr.ExitCode()}
}

func isInterruptSignal(sig os.Signal) bool {
	return sig == os.Interrupt
}
