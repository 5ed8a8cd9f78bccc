package matrix

import (
	"encoding/binary"
	"hash/fnv"

	"perfharness/pkg/benchtypes"
)

// Plan groups the descriptors of one generated problem instance: every
// variant of one experiment, for one repetition and instance, sharing a seed.
type Plan struct {
	Experiment  benchtypes.ExperimentSpec
	Repetition  int
	Instance    int
	Params      []string
	Seed        int64
	Descriptors []benchtypes.RunDescriptor
}

// Plans expands experiments into per-instance plans in campaign order:
// repetition, then experiment, then instance. Repetition indices start at
// firstRepetition so resumed sessions keep distinct seeds.
func Plans(experiments []benchtypes.ExperimentSpec, repetitions, firstRepetition int, baseSeed int64) []Plan {
	var plans []Plan
	for r := 0; r < repetitions; r++ {
		rep := firstRepetition + r
		for _, exp := range experiments {
			for inst := 0; inst < exp.Instances(); inst++ {
				params, err := exp.ResolveParams(inst)
				if err != nil {
					continue
				}
				seed := DeriveSeed(baseSeed, exp.Name, rep, inst)
				plan := Plan{
					Experiment: exp,
					Repetition: rep,
					Instance:   inst,
					Params:     params,
					Seed:       seed,
				}
				for vi, v := range exp.Variants {
					plan.Descriptors = append(plan.Descriptors, benchtypes.RunDescriptor{
						Experiment:   exp.Name,
						Variant:      v,
						VariantIndex: vi,
						Repetition:   rep,
						Instance:     inst,
						Params:       params,
						Seed:         seed,
					})
				}
				plans = append(plans, plan)
			}
		}
	}
	return plans
}

// Expand returns the flat run sequence: repetition-major, then experiment,
// then instance, with the variant index varying fastest.
func Expand(experiments []benchtypes.ExperimentSpec, repetitions, firstRepetition int, baseSeed int64) []benchtypes.RunDescriptor {
	var out []benchtypes.RunDescriptor
	for _, p := range Plans(experiments, repetitions, firstRepetition, baseSeed) {
		out = append(out, p.Descriptors...)
	}
	return out
}

// DeriveSeed computes the seed shared by every variant of one instance.
// The result is a non-negative int64 and depends only on its inputs.
func DeriveSeed(base int64, experiment string, repetition, instance int) int64 {
	h := fnv.New64a()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(base))
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(experiment))
	_, _ = h.Write([]byte{0})
	binary.LittleEndian.PutUint64(buf[:], uint64(repetition))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(instance))
	_, _ = h.Write(buf[:])

	return int64(h.Sum64() & 0x7fffffffffffffff)
}
