package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitionJSON = `{
  "dataformat": "sysdef:0.4",
  "name": "demo",
  "version": "1.0",
  "image": "demo-image",
  "build_command": "make",
  "run_command": "./run",
  "build_parameters": {
    "tracing": {"default_value": false, "description": "emit a trace"},
    "opt_level": {"default_value": "O2", "meta": {"values": ["O0", "O1", "O2"]}}
  },
  "run_parameters": {
    "cycles": {"default_value": 100, "meta": {"lower": 1, "upper": 1000}},
    "stimulus": {"default_value": "inputs/default.bin", "meta": {"is_file": true}}
  },
  "results": {
    "trace.vcd": {"type": "vcd", "path": "out/trace.vcd", "enabled_by": ["build/tracing"]},
    "report": {"type": "text", "path": "out/report.txt"}
  }
}`

func parseDefinition(t *testing.T, raw string) *Definition {
	t.Helper()
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("unmarshal definition: %v", err)
	}
	return &def
}

func TestDefinitionParse(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	require.NoError(t, def.Validate())

	assert.True(t, def.HasBuild())
	assert.Equal(t, "demo", def.Name)

	opt := def.BuildParameters["opt_level"]
	assert.Equal(t, "O2", opt.Default)
	assert.Len(t, opt.Enum, 3)

	cycles := def.RunParameters["cycles"]
	require.NotNil(t, cycles.Range)
	assert.Equal(t, 1.0, cycles.Range.Lower)

	stim := def.RunParameters["stimulus"]
	assert.True(t, stim.IsFile)

	tracing := def.BuildParameters["tracing"]
	assert.Equal(t, false, tracing.Default)
	assert.Equal(t, "emit a trace", tracing.Description)
}

func TestDefinitionUnknownFormatTag(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	def.Format = "sysdef:9.9"
	err := def.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "sysdef:9.9")
}

func TestDefinitionMissingRunCommand(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	def.RunCommand = "  "
	assert.ErrorIs(t, def.Validate(), ErrValidation)
}

func TestEnumDefaultMustBeMember(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	spec := def.BuildParameters["opt_level"]
	spec.Default = "O3"
	def.BuildParameters["opt_level"] = spec
	assert.ErrorIs(t, def.Validate(), ErrValidation)
}

func TestEnumDefaultTypeMismatch(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	spec := def.BuildParameters["opt_level"]
	spec.Default = 2.0
	def.BuildParameters["opt_level"] = spec
	err := def.Validate()
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "type")
}

func TestRangeDefaultOutOfBounds(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	spec := def.RunParameters["cycles"]
	spec.Default = 5000.0
	def.RunParameters["cycles"] = spec
	assert.ErrorIs(t, def.Validate(), ErrValidation)
}

func TestFileDefaultMustBeString(t *testing.T) {
	t.Parallel()
	def := parseDefinition(t, definitionJSON)
	spec := def.RunParameters["stimulus"]
	spec.Default = 7.0
	def.RunParameters["stimulus"] = spec
	assert.ErrorIs(t, def.Validate(), ErrValidation)
}

func TestEnablerMustResolveToBool(t *testing.T) {
	t.Parallel()

	def := parseDefinition(t, definitionJSON)
	res := def.Results["trace.vcd"]
	res.EnabledBy = []string{"build/missing"}
	def.Results["trace.vcd"] = res
	assert.ErrorIs(t, def.Validate(), ErrValidation)

	def = parseDefinition(t, definitionJSON)
	res = def.Results["trace.vcd"]
	res.EnabledBy = []string{"build/opt_level"}
	def.Results["trace.vcd"] = res
	err := def.Validate()
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "not boolean")
}

func TestSplitEnabler(t *testing.T) {
	t.Parallel()

	group, name, err := SplitEnabler("build/tracing")
	require.NoError(t, err)
	assert.Equal(t, GroupBuild, group)
	assert.Equal(t, "tracing", name)

	// tolerated document-pointer spelling
	group, name, err = SplitEnabler("#/run_parameters/cycles")
	require.NoError(t, err)
	assert.Equal(t, GroupRun, group)
	assert.Equal(t, "cycles", name)

	_, _, err = SplitEnabler("tracing")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseGroup(t *testing.T) {
	t.Parallel()
	for _, g := range []string{"common", "build", "run"} {
		parsed, err := ParseGroup(g)
		require.NoError(t, err)
		assert.Equal(t, Group(g), parsed)
	}
	_, err := ParseGroup("deploy")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOverrideUnmarshal(t *testing.T) {
	t.Parallel()

	var o Override
	require.NoError(t, json.Unmarshal([]byte(`42`), &o))
	assert.Equal(t, 42.0, o.Value)

	o = Override{}
	require.NoError(t, json.Unmarshal([]byte(`null`), &o))
	assert.True(t, o.Null)

	o = Override{}
	require.NoError(t, json.Unmarshal([]byte(`{"url": "https://example/data.bin", "credentials": "tok"}`), &o))
	require.NotNil(t, o.File)
	assert.Equal(t, "https://example/data.bin", o.File.URL)
	assert.Equal(t, "tok", o.File.Credentials)

	o = Override{}
	err := json.Unmarshal([]byte(`{"path": "x"}`), &o)
	assert.Error(t, err)
}

func TestConfigurationValidate(t *testing.T) {
	t.Parallel()

	cfg := Configuration{Format: ConfigurationFormat, System: SystemRef{Name: "demo", Version: "1.0"}}
	require.NoError(t, cfg.Validate())

	cfg.Format = "syscfg:0.1"
	assert.ErrorIs(t, cfg.Validate(), ErrValidation)

	cfg = Configuration{System: SystemRef{Name: "demo"}}
	assert.ErrorIs(t, cfg.Validate(), ErrValidation)
}

func TestEnumContainsNumericEquality(t *testing.T) {
	t.Parallel()
	values := []any{1.0, 2.0, 3.0}
	assert.True(t, EnumContains(values, 2))
	assert.True(t, EnumContains(values, 2.0))
	assert.False(t, EnumContains(values, 4.0))
}
