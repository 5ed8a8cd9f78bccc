package benchtypes

import (
	"fmt"
	"os"
)

// LaunchSpec is everything needed to start one external process.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a started child process. Wait blocks until it exits; Kill
// terminates it together with anything it spawned. Stdout and Stderr are only
// complete once Wait has returned.
type Process interface {
	Wait() error
	Kill() error
	Stdout() []byte
	Stderr() []byte
	Pid() int
}

// Launcher starts external processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExitStatus is the error Process.Wait returns when the child did not exit
// with code 0. Signal is set when the child was terminated by a signal.
type ExitStatus struct {
	Code   int
	Signal os.Signal
}

func (e *ExitStatus) Error() string {
	if e.Signal != nil {
		return fmt.Sprintf("process terminated by signal %v", e.Signal)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}
