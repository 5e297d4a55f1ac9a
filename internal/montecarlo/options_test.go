package montecarlo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions() Options {
	return Options{"T0": 300, "T1": 900, "dT": 50, "er": 12.0}
}

func TestValidateOptions(t *testing.T) {
	t.Run("normalizes numerics to float64", func(t *testing.T) {
		opts, err := ValidateOptions(Options{"T0": 300, "T1": 900.0, "dT": int64(50), "er": 12, "eq": 500, "innerT": true})
		require.NoError(t, err)
		assert.Equal(t, float64(300), opts["T0"])
		assert.Equal(t, float64(50), opts["dT"])
		assert.Equal(t, float64(500), opts["eq"])
		assert.Equal(t, true, opts["innerT"])
	})

	t.Run("unknown option", func(t *testing.T) {
		opts := validOptions()
		opts["temperature_start"] = 300
		_, err := ValidateOptions(opts)
		var invalid *InvalidOptionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "temperature_start", invalid.Name)
	})

	t.Run("wrong type", func(t *testing.T) {
		opts := validOptions()
		opts["T0"] = "hot"
		_, err := ValidateOptions(opts)
		var invalid *InvalidOptionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "T0", invalid.Name)
	})

	t.Run("missing required option", func(t *testing.T) {
		_, err := ValidateOptions(Options{"T0": 300, "T1": 900, "dT": 50})
		var invalid *InvalidOptionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "er", invalid.Name)
	})

	t.Run("range violations", func(t *testing.T) {
		cases := map[string]any{
			"er": -1.0,
			"dT": 0.0,
			"n":  0,
			"eq": -5,
			"gs": -2,
		}
		for name, bad := range cases {
			opts := validOptions()
			opts[name] = bad
			_, err := ValidateOptions(opts)
			var invalid *InvalidOptionError
			require.ErrorAs(t, err, &invalid, name)
			assert.Equal(t, name, invalid.Name)
		}
	})

	t.Run("non-integer for integer option", func(t *testing.T) {
		opts := validOptions()
		opts["n"] = 1.5
		_, err := ValidateOptions(opts)
		var invalid *InvalidOptionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "n", invalid.Name)
	})
}

func TestArgs(t *testing.T) {
	opts, err := ValidateOptions(Options{
		"T0": 300, "T1": 900, "dT": 50, "er": 12,
		"eq": 500, "n": 1500, "innerT": true, "q": false,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"-er=12", "-T0=300", "-T1=900", "-dT=50",
		"-eq=500", "-n=1500", "-innerT",
	}, opts.Args())
}

func TestArgsFloatFormatting(t *testing.T) {
	opts, err := ValidateOptions(Options{"T0": 300.5, "T1": 900, "dT": 50, "er": 12, "k": 8.617e-5})
	require.NoError(t, err)

	assert.Contains(t, opts.Args(), "-T0=300.5")
	assert.Contains(t, opts.Args(), "-k=8.617e-05")
}

func TestParseAssignment(t *testing.T) {
	t.Run("number", func(t *testing.T) {
		name, value, err := ParseAssignment("T0=300")
		require.NoError(t, err)
		assert.Equal(t, "T0", name)
		assert.Equal(t, float64(300), value)
	})

	t.Run("boolean", func(t *testing.T) {
		name, value, err := ParseAssignment("innerT=true")
		require.NoError(t, err)
		assert.Equal(t, "innerT", name)
		assert.Equal(t, true, value)
	})

	t.Run("bare boolean shorthand", func(t *testing.T) {
		name, value, err := ParseAssignment("q")
		require.NoError(t, err)
		assert.Equal(t, "q", name)
		assert.Equal(t, true, value)
	})

	t.Run("unknown option", func(t *testing.T) {
		_, _, err := ParseAssignment("bogus=1")
		var invalid *InvalidOptionError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("not an assignment", func(t *testing.T) {
		_, _, err := ParseAssignment("T0")
		require.Error(t, err)
	})
}

func TestOptionHelp(t *testing.T) {
	lines := OptionHelp()
	assert.Len(t, lines, 14)
	assert.Contains(t, lines[0], "T0")
}
