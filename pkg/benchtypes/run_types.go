package benchtypes

import (
	"strings"
	"time"
)

// Status classifies how a single run ended.
type Status int

// Run statuses. The string forms are what the result store persists.
const (
	StatusCompleted Status = iota
	StatusTimedOut
	StatusLaunchFailed
	StatusSkippedAfterInterrupt
	StatusFailed
	StatusInterrupted
)

var statusNames = [...]string{
	"completed",
	"timed_out",
	"launch_failed",
	"skipped",
	"failed",
	"interrupted",
}

func (s Status) String() string {
	if s < StatusCompleted || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus converts a persisted status back into a Status.
func ParseStatus(text string) (Status, bool) {
	text = strings.TrimSpace(text)
	for i, name := range statusNames {
		if name == text {
			return Status(i), true
		}
	}
	return 0, false
}

// RunDescriptor is a fully resolved unit of work: one variant of one
// experiment for one repetition and instance.
type RunDescriptor struct {
	Experiment   string
	Variant      VariantSpec
	VariantIndex int
	Repetition   int
	Instance     int
	Params       []string
	Seed         int64
}

// RunOutcome is the immutable result of executing a RunDescriptor.
type RunOutcome struct {
	Status        Status
	Duration      time.Duration
	Metrics       map[string]string
	ExitCode      int
	Detail        string
	ProblemDigest string
	// Fatal marks a designated fatal condition that stops the campaign.
	Fatal bool
}

// DurationMillis returns the wall-clock duration in whole milliseconds.
func (o RunOutcome) DurationMillis() int64 {
	return o.Duration.Milliseconds()
}
