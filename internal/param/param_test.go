package param

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crucible/internal/schema"
)

func TestResolveDefaultAndOverride(t *testing.T) {
	t.Parallel()

	spec := schema.ParameterSpec{Default: 100.0}

	p, err := Resolve("cycles", spec, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Value)
	assert.False(t, p.Overwritten)

	p, err = Resolve("cycles", spec, &schema.Override{Value: 250.0})
	require.NoError(t, err)
	assert.Equal(t, 250.0, p.Value)
	assert.True(t, p.Overwritten)

	// an explicit null keeps the default
	p, err = Resolve("cycles", spec, &schema.Override{Null: true})
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.Value)
	assert.False(t, p.Overwritten)
}

func TestResolveOverrideConstraintChecked(t *testing.T) {
	t.Parallel()

	spec := schema.ParameterSpec{Default: "O2", Enum: []any{"O0", "O1", "O2"}}
	_, err := Resolve("opt_level", spec, &schema.Override{Value: "O3"})
	assert.ErrorIs(t, err, schema.ErrValidation)

	spec = schema.ParameterSpec{Default: 10.0, Range: &schema.Range{Lower: 1, Upper: 100}}
	_, err = Resolve("cycles", spec, &schema.Override{Value: 500.0})
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestResolveGroupUnknownOverride(t *testing.T) {
	t.Parallel()

	specs := map[string]schema.ParameterSpec{"cycles": {Default: 100.0}}

	_, err := ResolveGroup(schema.GroupRun, specs, map[string]schema.Override{"cycles": {Value: 5.0}})
	require.NoError(t, err)

	_, err = ResolveGroup(schema.GroupRun, specs, map[string]schema.Override{"speed": {Value: 5.0}})
	require.ErrorIs(t, err, schema.ErrValidation)
	assert.Contains(t, err.Error(), "speed")

	_, err = ResolveGroup(schema.GroupBuild, nil, map[string]schema.Override{"speed": {Value: 5.0}})
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestResolveFileParameter(t *testing.T) {
	t.Parallel()

	spec := schema.ParameterSpec{Default: "inputs/default.bin", IsFile: true}

	// not overwritten: the workspace default satisfies the parameter
	p, err := Resolve("stimulus", spec, nil)
	require.NoError(t, err)
	require.NotNil(t, p.File)
	assert.Equal(t, FileStateDefault, p.File.State)
	assert.Equal(t, "inputs/default.bin", p.File.ContainerPath)

	// plain path override
	p, err = Resolve("stimulus", spec, &schema.Override{Value: "/tmp/stim.bin"})
	require.NoError(t, err)
	assert.Equal(t, FileStatePending, p.File.State)
	assert.Equal(t, "/tmp/stim.bin", p.File.OriginPath)

	// URL override with credentials
	p, err = Resolve("stimulus", spec, &schema.Override{
		File: &schema.FileSource{URL: "https://example/data.bin", Credentials: "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, FileStatePending, p.File.State)
	assert.Equal(t, "https://example/data.bin", p.File.OriginPath)
	assert.Equal(t, []byte("tok"), p.File.Credentials)

	// non-string override is rejected
	_, err = Resolve("stimulus", spec, &schema.Override{Value: 3.0})
	assert.ErrorIs(t, err, schema.ErrValidation)
}

func TestUpdateCoercion(t *testing.T) {
	t.Parallel()

	p, err := Resolve("tracing", schema.ParameterSpec{Default: false}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Update("true"))
	b, ok := p.Bool()
	assert.True(t, ok)
	assert.True(t, b)

	p, err = Resolve("cycles", schema.ParameterSpec{Default: 100.0}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Update("250"))
	assert.Equal(t, 250.0, p.Value)
}

func TestUpdateRechecksConstraint(t *testing.T) {
	t.Parallel()

	p, err := Resolve("cycles", schema.ParameterSpec{Default: 10.0, Range: &schema.Range{Lower: 1, Upper: 100}}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Update(500.0), schema.ErrValidation)
	assert.Equal(t, 10.0, p.Value)

	p, err = Resolve("opt_level", schema.ParameterSpec{Default: "O2", Enum: []any{"O0", "O1", "O2"}}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Update("O9"), schema.ErrValidation)
}

func TestResetIdempotent(t *testing.T) {
	t.Parallel()

	p, err := Resolve("cycles", schema.ParameterSpec{Default: 100.0}, &schema.Override{Value: 50.0})
	require.NoError(t, err)

	p.Reset()
	first := p.Value
	p.Reset()
	assert.Equal(t, first, p.Value)
	assert.Equal(t, 100.0, p.Value)
}

func TestResetPreservesOverwritten(t *testing.T) {
	t.Parallel()

	p, err := Resolve("cycles", schema.ParameterSpec{Default: 100.0}, &schema.Override{Value: 50.0})
	require.NoError(t, err)
	p.Reset()
	assert.Equal(t, 100.0, p.Value)
	assert.True(t, p.Overwritten)

	f, err := Resolve("stimulus",
		schema.ParameterSpec{Default: "inputs/default.bin", IsFile: true},
		&schema.Override{Value: "/tmp/stim.bin"})
	require.NoError(t, err)
	f.Reset()
	assert.Equal(t, FileStateDefault, f.File.State)
	assert.True(t, f.Overwritten)
}

func TestUpdateNeverSetsOverwritten(t *testing.T) {
	t.Parallel()

	// the overwritten flag records resolution-time state only
	p, err := Resolve("cycles", schema.ParameterSpec{Default: 100.0}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Update(50.0))
	assert.False(t, p.Overwritten)
}
