package montecarlo

import (
	"fmt"
	"sort"
	"strconv"
)

// InvalidOptionError reports a calculation option emc2 would not accept.
type InvalidOptionError struct {
	Name   string
	Reason string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Name, e.Reason)
}

// Options is a calculation configuration keyed by emc2 flag name. Numeric
// values are normalized to float64 so a configuration survives a JSON round
// trip unchanged.
type Options map[string]any

type optionKind int

const (
	kindFloat optionKind = iota
	kindInt
	kindBool
)

type optionSpec struct {
	kind     optionKind
	required bool
	check    func(v float64) string // non-empty result is a range violation
	help     string
}

// optionSpecs is the recognized emc2 option set. Flag names and meanings
// track the ATAT release this wrapper is built against; anything outside
// this table is rejected rather than passed through.
var optionSpecs = map[string]optionSpec{
	"T0": {kind: kindFloat, required: true, help: "initial temperature"},
	"T1": {kind: kindFloat, required: true, help: "final temperature"},
	"dT": {kind: kindFloat, required: true, help: "temperature step",
		check: func(v float64) string {
			if v == 0 {
				return "must be nonzero"
			}
			return ""
		}},
	"er": {kind: kindFloat, required: true, help: "radius of the sphere enclosing the simulation cell",
		check: positive},
	"mu0": {kind: kindFloat, help: "initial chemical potential"},
	"mu1": {kind: kindFloat, help: "final chemical potential"},
	"dmu": {kind: kindFloat, help: "chemical potential step"},
	"k":   {kind: kindFloat, help: "Boltzmann constant in working units", check: positive},
	"eq":  {kind: kindInt, help: "equilibration passes", check: nonNegative},
	"n":   {kind: kindInt, help: "averaging passes", check: positive},
	"gs": {kind: kindInt, help: "index of the starting ground state (-1 for disordered)",
		check: func(v float64) string {
			if v < -1 {
				return "must be -1 or greater"
			}
			return ""
		}},
	"sd":     {kind: kindInt, help: "random seed", check: nonNegative},
	"innerT": {kind: kindBool, help: "loop over temperature in the inner loop"},
	"q":      {kind: kindBool, help: "quiet mode"},
}

// optionOrder fixes the flag order on the command line so that runs with
// identical configurations invoke emc2 identically.
var optionOrder = []string{
	"er", "T0", "T1", "dT", "mu0", "mu1", "dmu",
	"k", "eq", "n", "gs", "sd", "innerT", "q",
}

func positive(v float64) string {
	if v <= 0 {
		return "must be positive"
	}
	return ""
}

func nonNegative(v float64) string {
	if v < 0 {
		return "must not be negative"
	}
	return ""
}

// ValidateOption checks a single name/value pair against the recognized
// emc2 option set and returns its normalized value. The required set is not
// enforced here, so partial configurations (presets) can be checked too.
func ValidateOption(name string, value any) (any, error) {
	spec, ok := optionSpecs[name]
	if !ok {
		return nil, &InvalidOptionError{Name: name, Reason: "not a recognized emc2 option"}
	}

	switch spec.kind {
	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, &InvalidOptionError{Name: name, Reason: "must be a boolean"}
		}
		return b, nil

	case kindInt:
		v, ok := asFloat(value)
		if !ok || v != float64(int64(v)) {
			return nil, &InvalidOptionError{Name: name, Reason: "must be an integer"}
		}
		if spec.check != nil {
			if reason := spec.check(v); reason != "" {
				return nil, &InvalidOptionError{Name: name, Reason: reason}
			}
		}
		return v, nil

	default:
		v, ok := asFloat(value)
		if !ok {
			return nil, &InvalidOptionError{Name: name, Reason: "must be a number"}
		}
		if spec.check != nil {
			if reason := spec.check(v); reason != "" {
				return nil, &InvalidOptionError{Name: name, Reason: reason}
			}
		}
		return v, nil
	}
}

// ValidateOptions checks a full configuration, including the required set,
// and returns a normalized copy.
func ValidateOptions(opts Options) (Options, error) {
	normalized := make(Options, len(opts))

	for name, value := range opts {
		v, err := ValidateOption(name, value)
		if err != nil {
			return nil, err
		}
		normalized[name] = v
	}

	for name, spec := range optionSpecs {
		if spec.required {
			if _, ok := normalized[name]; !ok {
				return nil, &InvalidOptionError{Name: name, Reason: "required option is missing"}
			}
		}
	}

	return normalized, nil
}

// Args translates a validated option set into emc2's -flag=value argument
// convention, in canonical order.
func (o Options) Args() []string {
	var args []string
	for _, name := range optionOrder {
		value, ok := o[name]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case bool:
			if v {
				args = append(args, "-"+name)
			}
		case float64:
			args = append(args, "-"+name+"="+strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return args
}

// ParseAssignment parses a key=value pair from the command line into an
// option entry, using the recognized set to pick the value type.
func ParseAssignment(expr string) (string, any, error) {
	for i := 0; i < len(expr); i++ {
		if expr[i] != '=' {
			continue
		}
		name, raw := expr[:i], expr[i+1:]
		spec, ok := optionSpecs[name]
		if !ok {
			return "", nil, &InvalidOptionError{Name: name, Reason: "not a recognized emc2 option"}
		}
		if spec.kind == kindBool {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return "", nil, &InvalidOptionError{Name: name, Reason: "must be a boolean"}
			}
			return name, b, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", nil, &InvalidOptionError{Name: name, Reason: "must be a number"}
		}
		return name, v, nil
	}

	// A bare name is shorthand for enabling a boolean option.
	if spec, ok := optionSpecs[expr]; ok && spec.kind == kindBool {
		return expr, true, nil
	}
	return "", nil, fmt.Errorf("expected key=value, got %q", expr)
}

// OptionHelp lists the recognized options with their descriptions, for CLI
// help output.
func OptionHelp() []string {
	names := make([]string, 0, len(optionSpecs))
	for name := range optionSpecs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		spec := optionSpecs[name]
		suffix := ""
		if spec.required {
			suffix = " (required)"
		}
		lines = append(lines, fmt.Sprintf("%-8s %s%s", name, spec.help, suffix))
	}
	return lines
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
