// Package testutils provides test doubles and helpers for perfharness tests.
// FakeLauncher stands in for real child processes so supervisor and campaign
// behaviour can be exercised deterministically.
package testutils

import (
	"errors"
	"strings"
	"sync"
	"time"

	"perfharness/pkg/benchtypes"
)

// FakeBehavior scripts what a fake process does.
type FakeBehavior struct {
	// StartErr makes Launch fail.
	StartErr error
	// Stdout and Stderr are returned once the process has exited.
	Stdout string
	Stderr string
	// ExitErr is returned by Wait, e.g. &benchtypes.ExitStatus{Code: 2}.
	ExitErr error
	// Delay is how long Wait blocks before the process exits on its own.
	Delay time.Duration
	// Hang makes the process run until it is killed.
	Hang bool
	// Files are written into spec.Dir at launch, name -> content.
	Files map[string]string
}

// FakeLauncher records every launch and answers with scripted behaviours.
type FakeLauncher struct {
	mu       sync.Mutex
	behave   func(spec benchtypes.LaunchSpec) FakeBehavior
	launches []benchtypes.LaunchSpec
	procs    []*FakeProcess
	nextPid  int
}

// NewFakeLauncher creates a launcher that consults behave for every launch.
func NewFakeLauncher(behave func(spec benchtypes.LaunchSpec) FakeBehavior) *FakeLauncher {
	return &FakeLauncher{behave: behave, nextPid: 1000}
}

// Launch implements benchtypes.Launcher.
func (l *FakeLauncher) Launch(spec benchtypes.LaunchSpec) (benchtypes.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches = append(l.launches, spec)
	b := l.behave(spec)
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	if err := writeFiles(spec.Dir, b.Files); err != nil {
		return nil, err
	}

	l.nextPid++
	p := &FakeProcess{
		behavior: b,
		pid:      l.nextPid,
		killed:   make(chan struct{}),
	}
	l.procs = append(l.procs, p)
	return p, nil
}

// Launches returns a copy of every LaunchSpec seen so far.
func (l *FakeLauncher) Launches() []benchtypes.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]benchtypes.LaunchSpec(nil), l.launches...)
}

// Processes returns every process started so far.
func (l *FakeLauncher) Processes() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeProcess(nil), l.procs...)
}

// ErrKilled is what a killed fake process's Wait returns.
var ErrKilled = errors.New("fake process killed")

// FakeProcess implements benchtypes.Process.
type FakeProcess struct {
	behavior FakeBehavior
	pid      int

	once   sync.Once
	killed chan struct{}

	mu     sync.Mutex
	reaped bool
}

// Wait blocks according to the scripted behaviour.
func (p *FakeProcess) Wait() error {
	var timer <-chan time.Time
	if !p.behavior.Hang {
		timer = time.After(p.behavior.Delay)
	}

	var err error
	select {
	case <-timer:
		err = p.behavior.ExitErr
	case <-p.killed:
		err = ErrKilled
	}

	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	return err
}

// Kill stops the process; Wait returns ErrKilled afterwards.
func (p *FakeProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

// Stdout returns the scripted standard output.
func (p *FakeProcess) Stdout() []byte { return []byte(p.behavior.Stdout) }

// Stderr returns the scripted standard error.
func (p *FakeProcess) Stderr() []byte { return []byte(p.behavior.Stderr) }

// Pid returns a fake process id.
func (p *FakeProcess) Pid() int { return p.pid }

// WasKilled reports whether Kill was called.
func (p *FakeProcess) WasKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

// Reaped reports whether Wait has returned.
func (p *FakeProcess) Reaped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reaped
}

// ArgsContain reports whether spec's arguments include every want, in order.
func ArgsContain(spec benchtypes.LaunchSpec, want ...string) bool {
	joined := "\x00" + strings.Join(spec.Args, "\x00") + "\x00"
	return strings.Contains(joined, "\x00"+strings.Join(want, "\x00")+"\x00")
}

// EnvValue returns the value of key in spec's environment.
func EnvValue(spec benchtypes.LaunchSpec, key string) string {
	prefix := key + "="
	value := ""
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, prefix) {
			value = strings.TrimPrefix(kv, prefix)
		}
	}
	return value
}
