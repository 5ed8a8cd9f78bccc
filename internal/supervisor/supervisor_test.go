package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfharness/internal/matrix"
	"perfharness/internal/testutils"
	"perfharness/pkg/benchtypes"
)

func testExperiment() benchtypes.ExperimentSpec {
	return benchtypes.ExperimentSpec{
		Name: "DPOP",
		Params: []benchtypes.Param{
			benchtypes.Str("-agents"), benchtypes.Int(5),
		},
		Variants: []benchtypes.VariantSpec{
			{
				Name:        "baseline",
				Command:     "solver",
				LaunchArgs:  []string{"-jar"},
				EntryPoint:  "frodo.jar",
				ProblemFile: "problem.xml",
				Args:        matrix.DefaultVariantArgs,
				Env:         map[string]string{"SOLVER_MODE": "fast"},
			},
		},
		Columns: benchtypes.Columns{Cost: []string{"msgs"}, Quality: []string{"utility"}},
	}
}

func newInstance(t *testing.T) *Instance {
	t.Helper()
	return &Instance{Experiment: "DPOP", Dir: t.TempDir()}
}

func descriptor(exp benchtypes.ExperimentSpec) benchtypes.RunDescriptor {
	return benchtypes.RunDescriptor{
		Experiment: exp.Name,
		Variant:    exp.Variants[0],
		Repetition: 2,
		Instance:   0,
		Params:     []string{"-agents", "5"},
		Seed:       42,
	}
}

func TestExecute_Completed(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{
			Stdout: "loading problem\n" +
				`{"note": "progress"` + "\n" +
				testutils.MetricsLine(map[string]any{"msgs": 120, "utility": 3.5}) +
				"bye\n",
			Delay: 5 * time.Millisecond,
		}
	})
	base := t.TempDir()
	sup := New(Options{Launcher: launcher, BaseDir: base})
	exp := testExperiment()
	inst := newInstance(t)

	outcome := sup.Execute(descriptor(exp), inst, time.Second)

	require.Equal(t, benchtypes.StatusCompleted, outcome.Status, outcome.Detail)
	assert.Equal(t, map[string]string{"msgs": "120", "utility": "3.5"}, outcome.Metrics)
	assert.GreaterOrEqual(t, outcome.Duration, 5*time.Millisecond)
	assert.False(t, outcome.Fatal)

	launches := launcher.Launches()
	require.Len(t, launches, 1)
	spec := launches[0]
	assert.Equal(t, "solver", spec.Path)
	assert.Equal(t, inst.Dir, spec.Dir)
	assert.Equal(t, []string{"-jar", "frodo.jar", filepath.Join(base, "problem.xml")}, spec.Args)
	assert.Equal(t, "42", testutils.EnvValue(spec, EnvSeed))
	assert.Equal(t, "2", testutils.EnvValue(spec, EnvRepetition))
	assert.Equal(t, "DPOP", testutils.EnvValue(spec, EnvExperiment))
	assert.Equal(t, "baseline", testutils.EnvValue(spec, EnvVariant))
	assert.Equal(t, "fast", testutils.EnvValue(spec, "SOLVER_MODE"))
}

func TestExecute_TimeoutKillsAndReaps(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{Hang: true}
	})
	sup := New(Options{Launcher: launcher})
	exp := testExperiment()

	timeout := 30 * time.Millisecond
	outcome := sup.Execute(descriptor(exp), newInstance(t), timeout)

	assert.Equal(t, benchtypes.StatusTimedOut, outcome.Status)
	assert.Equal(t, timeout, outcome.Duration)
	assert.Empty(t, outcome.Metrics)

	procs := launcher.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].WasKilled())
	assert.True(t, procs[0].Reaped(), "process must be reaped before Execute returns")
}

func TestExecute_LaunchFailed(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{StartErr: errors.New("exec: \"solver\": executable file not found in $PATH")}
	})
	sup := New(Options{Launcher: launcher})

	outcome := sup.Execute(descriptor(testExperiment()), newInstance(t), time.Second)

	assert.Equal(t, benchtypes.StatusLaunchFailed, outcome.Status)
	assert.Contains(t, outcome.Detail, "executable file not found")
	assert.Len(t, launcher.Launches(), 1, "launch failures are not retried")
}

func TestExecute_ExitClassification(t *testing.T) {
	tests := []struct {
		name       string
		behavior   testutils.FakeBehavior
		wantStatus benchtypes.Status
		wantFatal  bool
		wantDetail string
	}{
		{
			name:       "non-zero exit",
			behavior:   testutils.FakeBehavior{ExitErr: &benchtypes.ExitStatus{Code: 1}, Stderr: "out of memory\n"},
			wantStatus: benchtypes.StatusFailed,
			wantDetail: "out of memory",
		},
		{
			name:       "fatal exit code",
			behavior:   testutils.FakeBehavior{ExitErr: &benchtypes.ExitStatus{Code: 3}},
			wantStatus: benchtypes.StatusFailed,
			wantFatal:  true,
			wantDetail: "code 3",
		},
		{
			name:       "exit 130 is an interruption",
			behavior:   testutils.FakeBehavior{ExitErr: &benchtypes.ExitStatus{Code: 130}},
			wantStatus: benchtypes.StatusInterrupted,
		},
		{
			name:       "killed by interrupt signal",
			behavior:   testutils.FakeBehavior{ExitErr: &benchtypes.ExitStatus{Code: -1, Signal: os.Interrupt}},
			wantStatus: benchtypes.StatusInterrupted,
		},
		{
			name:       "clean exit without record",
			behavior:   testutils.FakeBehavior{Stdout: "done\n"},
			wantStatus: benchtypes.StatusFailed,
			wantDetail: "no metrics record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
				return tt.behavior
			})
			sup := New(Options{Launcher: launcher, FatalExitCodes: []int{3}})

			outcome := sup.Execute(descriptor(testExperiment()), newInstance(t), time.Second)

			assert.Equal(t, tt.wantStatus, outcome.Status)
			assert.Equal(t, tt.wantFatal, outcome.Fatal)
			if tt.wantDetail != "" {
				assert.Contains(t, outcome.Detail, tt.wantDetail)
			}
		})
	}
}

func TestExecute_TemplatedArgsAndEnvFile(t *testing.T) {
	base := t.TempDir()
	testutils.WriteFile(t, base, "solver.env", "SOLVER_MODE=slow\nJAVA_OPTS=-Xmx2g\n")

	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{Stdout: testutils.MetricsLine(map[string]any{"msgs": 1, "utility": 1})}
	})
	sup := New(Options{Launcher: launcher, BaseDir: base})

	exp := testExperiment()
	exp.Variants[0].Args = []string{"--seed={{.Seed}}", "--timeout={{.TimeoutSeconds}}", "{{.AgentConfig}}", "{{.ProblemFile}}"}
	exp.Variants[0].EnvFile = filepath.Join(base, "solver.env")

	outcome := sup.Execute(descriptor(exp), newInstance(t), 90*time.Second)
	require.Equal(t, benchtypes.StatusCompleted, outcome.Status, outcome.Detail)

	spec := launcher.Launches()[0]
	assert.True(t, testutils.ArgsContain(spec, "--seed=42", "--timeout=90", filepath.Join(base, "problem.xml")),
		"unset agent config is dropped: %v", spec.Args)
	assert.Equal(t, "fast", testutils.EnvValue(spec, "SOLVER_MODE"), "explicit env wins over env file")
	assert.Equal(t, "-Xmx2g", testutils.EnvValue(spec, "JAVA_OPTS"))
}

func TestExecute_BadTemplateIsLaunchFailure(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{}
	})
	sup := New(Options{Launcher: launcher})

	exp := testExperiment()
	exp.Variants[0].Args = []string{"{{.NoSuchField}}"}

	outcome := sup.Execute(descriptor(exp), newInstance(t), time.Second)

	assert.Equal(t, benchtypes.StatusLaunchFailed, outcome.Status)
	assert.Empty(t, launcher.Launches())
}

func TestPrepare_RunsGeneratorInWorkDir(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(spec benchtypes.LaunchSpec) testutils.FakeBehavior {
		if spec.Path == "generator" {
			return testutils.FakeBehavior{
				Files:  map[string]string{"problem.xml": "<instance agents=\"5\"/>"},
				Stdout: testutils.MetricsLine(map[string]any{"agents": 5}),
			}
		}
		return testutils.FakeBehavior{Stdout: testutils.MetricsLine(map[string]any{"msgs": 7, "utility": 2})}
	})
	problems := t.TempDir()
	sup := New(Options{Launcher: launcher, WorkRoot: t.TempDir(), ProblemsDir: problems})

	exp := testExperiment()
	exp.Generator = &benchtypes.GeneratorSpec{Command: "generator", EntryPoint: "gen.py", SeedFlag: "-seed"}
	plan := matrix.Plan{Experiment: exp, Repetition: 1, Instance: 0, Params: []string{"-agents", "5"}, Seed: 99}

	inst, err := sup.Prepare(plan, time.Second)
	require.NoError(t, err)
	require.NotNil(t, inst.Generator)
	assert.True(t, inst.Generated)
	assert.False(t, inst.GeneratorFailed())
	assert.Equal(t, map[string]string{"agents": "5"}, inst.Problem)

	gen := launcher.Launches()[0]
	assert.Equal(t, inst.Dir, gen.Dir)
	assert.Equal(t, []string{"gen.py", "-agents", "5", "-seed", "99"}, gen.Args)

	desc := descriptor(exp)
	desc.Repetition, desc.Seed = 1, 99
	outcome := sup.Execute(desc, inst, time.Second)
	require.Equal(t, benchtypes.StatusCompleted, outcome.Status, outcome.Detail)
	assert.Len(t, outcome.ProblemDigest, 64)

	solver := launcher.Launches()[1]
	assert.Contains(t, solver.Args, filepath.Join(inst.Dir, "problem.xml"))

	require.NoError(t, sup.Release(inst))
	assert.NoDirExists(t, inst.Dir)
	saved := testutils.ReadFile(t, filepath.Join(problems, "DPOP", "rep1-inst0", "problem.xml"))
	assert.Equal(t, "<instance agents=\"5\"/>", saved)
}

func TestPrepare_GeneratorFailure(t *testing.T) {
	launcher := testutils.NewFakeLauncher(func(benchtypes.LaunchSpec) testutils.FakeBehavior {
		return testutils.FakeBehavior{ExitErr: &benchtypes.ExitStatus{Code: 2}, Stderr: "bad parameters"}
	})
	sup := New(Options{Launcher: launcher, WorkRoot: t.TempDir()})

	exp := testExperiment()
	exp.Generator = &benchtypes.GeneratorSpec{Command: "generator"}

	inst, err := sup.Prepare(matrix.Plan{Experiment: exp}, time.Second)
	require.NoError(t, err)
	assert.True(t, inst.GeneratorFailed())
	assert.False(t, inst.Generated)
	assert.Equal(t, benchtypes.StatusFailed, inst.Generator.Status)
	assert.Contains(t, inst.Generator.Detail, "bad parameters")
	require.NoError(t, sup.Release(inst))
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   map[string]string
	}{
		{name: "empty", stdout: "", want: nil},
		{name: "no object", stdout: "starting\n[1,2]\n", want: nil},
		{
			name:   "last object wins",
			stdout: `{"a": 1}` + "\n" + `{"a": 2, "b": "x"}` + "\n",
			want:   map[string]string{"a": "2", "b": "x"},
		},
		{
			name:   "number text preserved",
			stdout: `{"cost": 1.50, "big": 12345678901234567890}`,
			want:   map[string]string{"cost": "1.50", "big": "12345678901234567890"},
		},
		{
			name:   "malformed trailing line skipped",
			stdout: `{"ok": true}` + "\n" + `{broken` + "\n",
			want:   map[string]string{"ok": "true"},
		},
		{
			name:   "null and nested",
			stdout: `{"n": null, "list": [1, 2]}` + "\r\n",
			want:   map[string]string{"n": "", "list": "[1,2]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecord([]byte(tt.stdout))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecLauncher_RealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	sup := New(Options{})
	exp := testExperiment()
	exp.Variants[0].Command = "/bin/sh"
	exp.Variants[0].LaunchArgs = nil
	exp.Variants[0].EntryPoint = ""

	t.Run("completed", func(t *testing.T) {
		exp.Variants[0].Args = []string{"-c", `echo warming up; echo '{"msgs": 3, "utility": 9}'`}
		outcome := sup.Execute(descriptor(exp), newInstance(t), 10*time.Second)
		require.Equal(t, benchtypes.StatusCompleted, outcome.Status, outcome.Detail)
		assert.Equal(t, "3", outcome.Metrics["msgs"])
	})

	t.Run("seed exported", func(t *testing.T) {
		exp.Variants[0].Args = []string{"-c", `printf '{"seed": "%s"}\n' "$PERFHARNESS_SEED"`}
		outcome := sup.Execute(descriptor(exp), newInstance(t), 10*time.Second)
		require.Equal(t, benchtypes.StatusCompleted, outcome.Status, outcome.Detail)
		assert.Equal(t, "42", outcome.Metrics["seed"])
	})

	t.Run("exit code", func(t *testing.T) {
		exp.Variants[0].Args = []string{"-c", "echo broken >&2; exit 4"}
		outcome := sup.Execute(descriptor(exp), newInstance(t), 10*time.Second)
		assert.Equal(t, benchtypes.StatusFailed, outcome.Status)
		assert.Equal(t, 4, outcome.ExitCode)
		assert.Contains(t, outcome.Detail, "broken")
	})

	t.Run("missing command", func(t *testing.T) {
		exp := testExperiment()
		exp.Variants[0].Command = "/definitely/not/a/solver"
		outcome := sup.Execute(descriptor(exp), newInstance(t), 10*time.Second)
		assert.Equal(t, benchtypes.StatusLaunchFailed, outcome.Status)
	})
}
