package supervisor

import (
	"bytes"
	"errors"
	"os/exec"
	"time"

	"perfharness/pkg/benchtypes"
)

// pipeDrainDelay bounds how long Wait keeps copying output after the child
// exits, in case a grandchild escaped the process group with our pipes.
const pipeDrainDelay = 2 * time.Second

// ExecLauncher starts real operating system processes. Each child gets its
// own process group so a timeout can kill everything it spawned.
type ExecLauncher struct{}

// NewExecLauncher returns the default launcher.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Launch implements benchtypes.Launcher.
func (l *ExecLauncher) Launch(spec benchtypes.LaunchSpec) (benchtypes.Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.WaitDelay = pipeDrainDelay

	p := &execProcess{cmd: cmd}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatus(exitErr)
	}
	return err
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd)
}

func (p *execProcess) Stdout() []byte { return p.stdout.Bytes() }

func (p *execProcess) Stderr() []byte { return p.stderr.Bytes() }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
