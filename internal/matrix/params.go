package matrix

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"perfharness/pkg/benchtypes"
)

// decodeParam maps one YAML node of an experiment's params list onto a typed
// Param. Scalars keep their YAML type, sequences become sweeps and a mapping
// of the form {range: [start, stop, step]} becomes an integer sweep.
func decodeParam(node *yaml.Node) (benchtypes.Param, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return decodeScalar(node)

	case yaml.SequenceNode:
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return benchtypes.Param{}, fmt.Errorf("line %d: sweep values must be scalars", item.Line)
			}
			values = append(values, item.Value)
		}
		if len(values) == 0 {
			return benchtypes.Param{}, fmt.Errorf("line %d: sweep has no values", node.Line)
		}
		if len(values) > benchtypes.MaxSweepValues {
			return benchtypes.Param{}, fmt.Errorf("line %d: sweep has %d values, more than %d", node.Line, len(values), benchtypes.MaxSweepValues)
		}
		return benchtypes.Sweep(values...), nil

	case yaml.MappingNode:
		var spec struct {
			Range []int64 `yaml:"range"`
		}
		if err := node.Decode(&spec); err != nil {
			return benchtypes.Param{}, fmt.Errorf("line %d: %w", node.Line, err)
		}
		if len(spec.Range) < 2 || len(spec.Range) > 3 {
			return benchtypes.Param{}, fmt.Errorf("line %d: range needs [start, stop] or [start, stop, step]", node.Line)
		}
		step := int64(1)
		if len(spec.Range) == 3 {
			step = spec.Range[2]
		}
		if step == 0 {
			return benchtypes.Param{}, fmt.Errorf("line %d: range step cannot be zero", node.Line)
		}
		n := benchtypes.RangeLen(spec.Range[0], spec.Range[1], step)
		switch {
		case n == 0:
			return benchtypes.Param{}, fmt.Errorf("line %d: range is empty", node.Line)
		case n > benchtypes.MaxSweepValues:
			return benchtypes.Param{}, fmt.Errorf("line %d: range has %d values, more than %d", node.Line, n, benchtypes.MaxSweepValues)
		}
		return benchtypes.Range(spec.Range[0], spec.Range[1], step), nil

	default:
		return benchtypes.Param{}, fmt.Errorf("line %d: unsupported parameter", node.Line)
	}
}

func decodeScalar(node *yaml.Node) (benchtypes.Param, error) {
	switch node.ShortTag() {
	case "!!int":
		v, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return benchtypes.Param{}, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return benchtypes.Int(v), nil
	case "!!float":
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return benchtypes.Param{}, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return benchtypes.Float(v), nil
	case "!!null":
		return benchtypes.Param{}, fmt.Errorf("line %d: empty parameter", node.Line)
	}

	if strings.HasPrefix(node.Value, "-") && len(node.Value) > 1 {
		return benchtypes.Flag(node.Value), nil
	}
	return benchtypes.Str(node.Value), nil
}
