package matrix

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"perfharness/pkg/benchtypes"
)

func twoVariantExperiment(name string, params ...benchtypes.Param) benchtypes.ExperimentSpec {
	return benchtypes.ExperimentSpec{
		Name:   name,
		Params: params,
		Variants: []benchtypes.VariantSpec{
			{Name: name + " old", Command: "solver"},
			{Name: name + " new", Command: "solver"},
		},
	}
}

func TestExpand_ExampleScenario(t *testing.T) {
	exp := twoVariantExperiment("X", benchtypes.Int(5))

	got := Expand([]benchtypes.ExperimentSpec{exp}, 3, 0, 0)
	require.Len(t, got, 6)

	type pair struct{ rep, variant int }
	var order []pair
	for _, d := range got {
		order = append(order, pair{d.Repetition, d.VariantIndex})
		assert.Equal(t, []string{"5"}, d.Params)
		assert.Equal(t, "X", d.Experiment)
	}
	assert.Equal(t, []pair{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, order)
}

func TestExpand_RepetitionMajorThenExperiment(t *testing.T) {
	a := twoVariantExperiment("A")
	b := twoVariantExperiment("B")

	got := Expand([]benchtypes.ExperimentSpec{a, b}, 2, 0, 0)

	var labels []string
	for _, d := range got {
		labels = append(labels, fmt.Sprintf("%d/%s/%d", d.Repetition, d.Experiment, d.VariantIndex))
	}
	assert.Equal(t, []string{
		"0/A/0", "0/A/1", "0/B/0", "0/B/1",
		"1/A/0", "1/A/1", "1/B/0", "1/B/1",
	}, labels)
}

func TestExpand_SweepInstancesBetweenExperimentAndVariant(t *testing.T) {
	exp := twoVariantExperiment("S", benchtypes.Flag("-PEAV"), benchtypes.Range(1, 4, 1))

	got := Expand([]benchtypes.ExperimentSpec{exp}, 1, 0, 0)
	require.Len(t, got, 6)
	for i, d := range got {
		assert.Equal(t, i/2, d.Instance)
		assert.Equal(t, i%2, d.VariantIndex)
		assert.Equal(t, fmt.Sprint(i/2+1), d.Params[1])
	}
}

func TestExpand_FirstRepetitionOffset(t *testing.T) {
	exp := twoVariantExperiment("X")

	fresh := Expand([]benchtypes.ExperimentSpec{exp}, 2, 0, 1)
	resumed := Expand([]benchtypes.ExperimentSpec{exp}, 2, 2, 1)

	assert.Equal(t, 2, resumed[0].Repetition)
	assert.NotEqual(t, fresh[0].Seed, resumed[0].Seed)
}

func TestPlans_SeedSharedAcrossVariants(t *testing.T) {
	exp := twoVariantExperiment("X", benchtypes.Sweep("1", "2"))

	plans := Plans([]benchtypes.ExperimentSpec{exp}, 2, 0, 99)
	require.Len(t, plans, 4)

	seeds := make(map[int64]bool)
	for _, p := range plans {
		require.Len(t, p.Descriptors, 2)
		for _, d := range p.Descriptors {
			assert.Equal(t, p.Seed, d.Seed)
		}
		seeds[p.Seed] = true
	}
	assert.Len(t, seeds, 4, "each instance gets its own seed")
}

func TestDeriveSeed(t *testing.T) {
	s := DeriveSeed(1, "DPOP", 3, 0)
	assert.Equal(t, s, DeriveSeed(1, "DPOP", 3, 0))
	assert.GreaterOrEqual(t, s, int64(0))
	assert.NotEqual(t, s, DeriveSeed(2, "DPOP", 3, 0))
	assert.NotEqual(t, s, DeriveSeed(1, "DPOP+JaCoP", 3, 0))
	assert.NotEqual(t, s, DeriveSeed(1, "DPOP", 4, 0))
	assert.NotEqual(t, s, DeriveSeed(1, "DPOP", 3, 1))
}

func TestProperty_ExpandCountAndOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nExp := rapid.IntRange(1, 4).Draw(t, "experiments")
		reps := rapid.IntRange(0, 6).Draw(t, "repetitions")

		var experiments []benchtypes.ExperimentSpec
		total := 0
		for i := 0; i < nExp; i++ {
			nVar := rapid.IntRange(1, 4).Draw(t, "variants")
			exp := benchtypes.ExperimentSpec{Name: fmt.Sprintf("E%d", i)}
			for v := 0; v < nVar; v++ {
				exp.Variants = append(exp.Variants, benchtypes.VariantSpec{Name: fmt.Sprintf("v%d", v), Command: "s"})
			}
			experiments = append(experiments, exp)
			total += nVar * reps
		}

		got := Expand(experiments, reps, 0, 0)
		if len(got) != total {
			t.Fatalf("expected %d descriptors, got %d", total, len(got))
		}

		expIndex := make(map[string]int, len(experiments))
		for i, e := range experiments {
			expIndex[e.Name] = i
		}
		for i := 1; i < len(got); i++ {
			prev, cur := got[i-1], got[i]
			prevKey := []int{prev.Repetition, expIndex[prev.Experiment], prev.VariantIndex}
			curKey := []int{cur.Repetition, expIndex[cur.Experiment], cur.VariantIndex}
			if !lexLess(prevKey, curKey) {
				t.Fatalf("descriptor %d %v not after %v", i, curKey, prevKey)
			}
		}
	})
}

func lexLess(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
