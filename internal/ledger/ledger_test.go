package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfharness/pkg/benchtypes"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func run(variant string, index, rep, inst int, seed int64) benchtypes.RunDescriptor {
	return benchtypes.RunDescriptor{
		Experiment:   "DPOP",
		Variant:      benchtypes.VariantSpec{Name: variant},
		VariantIndex: index,
		Repetition:   rep,
		Instance:     inst,
		Seed:         seed,
	}
}

func completed(digest string) benchtypes.RunOutcome {
	return benchtypes.RunOutcome{Status: benchtypes.StatusCompleted, ProblemDigest: digest}
}

func TestVerify_ConsistentCampaign(t *testing.T) {
	l := openTestLedger(t)
	for rep := 0; rep < 2; rep++ {
		require.NoError(t, l.Record("c1", run("A", 0, rep, 0, int64(rep)), completed("abc"), true))
		require.NoError(t, l.Record("c1", run("B", 1, rep, 0, int64(rep)), completed("abc"), true))
	}

	issues, err := l.Verify("DPOP")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestVerify_FlagsDisagreements(t *testing.T) {
	tests := []struct {
		name   string
		record func(l *Ledger)
		reason string
	}{
		{
			name: "different seeds",
			record: func(l *Ledger) {
				l.Record("c1", run("A", 0, 0, 0, 1), completed("abc"), true)
				l.Record("c1", run("B", 1, 0, 0, 2), completed("abc"), true)
			},
			reason: "2 different seeds",
		},
		{
			name: "different problem files",
			record: func(l *Ledger) {
				l.Record("c1", run("A", 0, 0, 0, 1), completed("abc"), true)
				l.Record("c1", run("B", 1, 0, 0, 1), completed("def"), true)
			},
			reason: "2 different problem files",
		},
		{
			name: "schema mismatch left a gap",
			record: func(l *Ledger) {
				l.Record("c1", run("A", 0, 0, 0, 1), completed(""), true)
				l.Record("c1", run("B", 1, 0, 0, 1), completed(""), false)
			},
			reason: "unequal stored rows: A=1 B=0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := openTestLedger(t)
			tt.record(l)

			issues, err := l.Verify("")
			require.NoError(t, err)
			require.Len(t, issues, 1)
			assert.Equal(t, tt.reason, issues[0].Reason)
			assert.Equal(t, "c1", issues[0].CampaignID)
			assert.Contains(t, issues[0].String(), "DPOP rep 0 inst 0")
		})
	}
}

func TestVerify_FiltersByExperiment(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Record("c1", run("A", 0, 0, 0, 1), completed(""), true))
	require.NoError(t, l.Record("c1", run("B", 1, 0, 0, 2), completed(""), true))

	issues, err := l.Verify("other")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestClosedLedger(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Record("c1", run("A", 0, 0, 0, 1), completed(""), true), ErrLedgerClosed)
	_, err := l.Verify("")
	assert.ErrorIs(t, err, ErrLedgerClosed)
}
