package matrix

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfharness/pkg/benchtypes"
)

const meetingsMatrix = `
defaults:
  timeout: 500s
  repetitions: 101
  seed: 7
  fatal_exit_codes: [3]
generator:
  command: java
  launch: "-Xmx2G -classpath '{{.BaseDir}}/bin'"
  entry_point: frodo2.benchmarks.meetings.MeetingScheduling
  seed_flag: -seed
columns:
  problem: [nbrMeetings]
  cost: [runtime, msgNbr, msgSize]
  quality: [cost]
experiments:
  - name: ADOPT
    params: ["-PEAV", "-maxCost", 10, 3, {range: [1, 6]}, 2, 8]
    saturate: [runtime]
    variants:
      - name: ADOPT 2.18
        version: 2.18.1
        command: java
        launch: "-Xmx2G -classpath frodo2.18.1.jar"
        entry_point: frodo2.algorithms.adopt.ADOPTsolver
        agent_config: agents/ADOPT/ADOPTagent.xml
        problem_file: meetingScheduling_PEAV.xml
      - name: ADOPT 2.x
        version: 2.19.0
        command: ./bin/solver
        launch_args: [-Xmx2G]
        entry_point: frodo2.algorithms.adopt.ADOPTsolver
        agent_config: /abs/ADOPTagent.xml
        problem_file: meetingScheduling_PEAV.xml
        args: ["{{.ProblemFile}}", "{{.AgentConfig}}", "-timeout", "{{.TimeoutSeconds}}"]
  - name: MPC-DisCSP4
    params: ["-EAV", 3, [1, 2, 3], 0.5]
    report:
      input: nbrMeetings
      metrics: [msgSize]
    variants:
      - name: MPC old
        command: java
      - name: MPC new
        command: java
`

func TestParse_FullMatrix(t *testing.T) {
	m, err := Parse([]byte(meetingsMatrix), "/work/bench")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Second, m.Defaults.Timeout)
	assert.Equal(t, 101, m.Defaults.Repetitions)
	assert.Equal(t, int64(7), m.Defaults.Seed)
	assert.Equal(t, []int{3}, m.Defaults.FatalExitCodes)
	require.Len(t, m.Experiments, 2)
	assert.Empty(t, m.Warnings)

	adopt := m.Experiments[0]
	assert.Equal(t, "ADOPT", adopt.Name)
	assert.Equal(t, 5, adopt.Instances())
	assert.Equal(t, benchtypes.Flag("-PEAV"), adopt.Params[0])
	assert.Equal(t, benchtypes.Int(10), adopt.Params[2])
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, adopt.Params[4].Values)
	assert.Equal(t, []string{"nbrMeetings"}, adopt.Columns.Problem)

	require.NotNil(t, adopt.Generator)
	assert.Equal(t, "java", adopt.Generator.Command)
	assert.Equal(t, []string{"-Xmx2G", "-classpath", "{{.BaseDir}}/bin"}, adopt.Generator.LaunchArgs)
	assert.Equal(t, "-seed", adopt.Generator.SeedFlag)

	old := adopt.Variants[0]
	assert.Equal(t, []string{"-Xmx2G", "-classpath", "frodo2.18.1.jar"}, old.LaunchArgs)
	assert.Equal(t, "/work/bench/agents/ADOPT/ADOPTagent.xml", old.AgentConfig)
	assert.Equal(t, DefaultVariantArgs, old.Args)

	newer := adopt.Variants[1]
	assert.Equal(t, "/work/bench/bin/solver", newer.Command)
	assert.Equal(t, "/abs/ADOPTagent.xml", newer.AgentConfig)
	assert.Len(t, newer.Args, 4)

	mpc := m.Experiments[1]
	assert.Equal(t, 3, mpc.Instances())
	assert.Equal(t, benchtypes.Float(0.5), mpc.Params[3])
	assert.Equal(t, []string{"msgSize"}, ReportMetrics(mpc))
	assert.Equal(t, "nbrMeetings", ReportInput(mpc))
}

func TestParse_Defaults(t *testing.T) {
	m, err := Parse([]byte(`
experiments:
  - name: X
    params: [5]
    variants:
      - {name: old, command: solver}
      - {name: new, command: solver}
`), "/tmp")
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, m.Defaults.Timeout)
	assert.Equal(t, DefaultRepetitions, m.Defaults.Repetitions)
	assert.Nil(t, m.Experiments[0].Generator)
	assert.Equal(t, []string{WallclockColumn}, ReportMetrics(m.Experiments[0]))
	assert.Equal(t, "instance", ReportInput(m.Experiments[0]))
}

func TestParse_TimeoutInSeconds(t *testing.T) {
	m, err := Parse([]byte(`
defaults: {timeout: 2.5}
experiments:
  - name: X
    variants: [{name: a, command: solver}]
`), "/tmp")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, m.Defaults.Timeout)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		message string
	}{
		{
			name:    "unknown key",
			doc:     "experiments: []\nbogus: 1\n",
			message: "bogus",
		},
		{
			name:    "no experiments",
			doc:     "experiments: []\n",
			message: "no experiments defined",
		},
		{
			name: "duplicate experiment",
			doc: `
experiments:
  - {name: X, variants: [{name: a, command: s}]}
  - {name: X, variants: [{name: a, command: s}]}
`,
			message: "duplicate experiment name",
		},
		{
			name:    "no variants",
			doc:     "experiments:\n  - {name: X}\n",
			message: "at least one variant",
		},
		{
			name:    "path separator in name",
			doc:     "experiments:\n  - {name: a/b, variants: [{name: v, command: s}]}\n",
			message: "path separators",
		},
		{
			name:    "duplicate variant",
			doc:     "experiments:\n  - {name: X, variants: [{name: v, command: s}, {name: v, command: s}]}\n",
			message: "duplicate variant name",
		},
		{
			name:    "missing command",
			doc:     "experiments:\n  - {name: X, variants: [{name: v}]}\n",
			message: "command is required",
		},
		{
			name:    "bad template",
			doc:     "experiments:\n  - {name: X, variants: [{name: v, command: s, args: ['{{.Seed']}]}\n",
			message: "bad argument template",
		},
		{
			name:    "bad launch quoting",
			doc:     "experiments:\n  - {name: X, variants: [{name: v, command: s, launch: \"-cp 'unterminated\"}]}\n",
			message: "cannot split launch",
		},
		{
			name:    "empty range",
			doc:     "experiments:\n  - {name: X, params: [{range: [5, 1]}], variants: [{name: v, command: s}]}\n",
			message: "range is empty",
		},
		{
			name:    "huge range",
			doc:     "experiments:\n  - {name: X, params: [{range: [0, 9223372036854775807]}], variants: [{name: v, command: s}]}\n",
			message: "more than 100000",
		},
		{
			name:    "range near max int64",
			doc:     "experiments:\n  - {name: X, params: [{range: [-9223372036854775808, 9223372036854775807, 2]}], variants: [{name: v, command: s}]}\n",
			message: "more than 100000",
		},
		{
			name:    "too many instances",
			doc:     "experiments:\n  - {name: X, params: [{range: [0, 2000]}, {range: [0, 1000]}], variants: [{name: v, command: s}]}\n",
			message: "more than 1000000 instances",
		},
		{
			name:    "empty sweep",
			doc:     "experiments:\n  - {name: X, params: [[]], variants: [{name: v, command: s}]}\n",
			message: "sweep has no values",
		},
		{
			name: "duplicate column",
			doc: `
experiments:
  - name: X
    columns: {cost: [runtime], quality: [runtime]}
    variants: [{name: v, command: s}]
`,
			message: "declared in cost and quality",
		},
		{
			name: "column clashes with identity",
			doc: `
experiments:
  - name: X
    columns: {problem: [status]}
    variants: [{name: v, command: s}]
`,
			message: `column "status"`,
		},
		{
			name: "saturate unknown column",
			doc: `
experiments:
  - name: X
    columns: {cost: [runtime]}
    saturate: [msgSize]
    variants: [{name: v, command: s}]
`,
			message: "saturate column",
		},
		{
			name: "report metric unknown",
			doc: `
experiments:
  - name: X
    report: {metrics: [nope]}
    variants: [{name: v, command: s}]
`,
			message: "report metric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "/tmp")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMatrix)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestParse_VersionWarnings(t *testing.T) {
	m, err := Parse([]byte(`
experiments:
  - name: X
    variants:
      - {name: old, version: 2.18.1, command: s}
      - {name: new, version: 2.17.0, command: s}
      - {name: odd, version: banana, command: s}
`), "/tmp")
	require.NoError(t, err)
	require.Len(t, m.Warnings, 2)
	assert.Contains(t, m.Warnings[0], "older than baseline")
	assert.Contains(t, m.Warnings[1], "not semantic")
}

func TestLoad_ResolvesAgainstMatrixDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
experiments:
  - name: X
    variants:
      - {name: v, command: ./solver.sh, agent_config: agent.xml, env_file: .env}
`), 0644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, m.BaseDir)

	v := m.Experiments[0].Variants[0]
	assert.Equal(t, filepath.Join(dir, "solver.sh"), v.Command)
	assert.Equal(t, filepath.Join(dir, "agent.xml"), v.AgentConfig)
	assert.Equal(t, filepath.Join(dir, ".env"), v.EnvFile)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestMatrix_Select(t *testing.T) {
	m, err := Parse([]byte(meetingsMatrix), "/tmp")
	require.NoError(t, err)

	all, err := m.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := m.Select([]string{"MPC-DisCSP4"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "MPC-DisCSP4", some[0].Name)

	_, err = m.Select([]string{"nope"})
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	exp := benchtypes.ExperimentSpec{
		Columns: benchtypes.Columns{
			Problem: []string{"nbrVars"},
			Cost:    []string{"runtime", "msgSize"},
			Quality: []string{"cost"},
		},
	}
	assert.Equal(t, []string{
		"variant", "repetition", "instance", "seed", "status",
		"nbrVars", "wallclock_ms", "runtime", "msgSize", "cost",
	}, Schema(exp))
}
