package jobspec_test

import (
	"encoding/json"
	"testing"

	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestUnmarshalJSONPreservesArgOrder(t *testing.T) {
	var d jobspec.Descriptor
	err := json.Unmarshal([]byte(`{
		"command": "run",
		"args": {"zeta": "1", "alpha": "2", "mid_key": "3"},
		"year": 2019,
		"force": true,
		"skip": null
	}`), &d)
	require.NoError(t, err)

	assert.Equal(t, "run", d.Command)
	assert.Equal(t, []string{"zeta", "alpha", "mid_key"}, d.Args.Keys())
	assert.Equal(t, "2019", d.Fields["year"])
	assert.Equal(t, "true", d.Fields["force"])
	assert.False(t, d.HasField("skip"))
	assert.False(t, d.HasField("command"))
}

func TestUnmarshalJSONRejectsNestedFields(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "nested field", in: `{"product": "ls8_nbar", "extra": {"a": 1}}`},
		{name: "array field", in: `{"extra": [1, 2]}`},
		{name: "nested arg", in: `{"command": "run", "args": {"a": {"b": 1}}}`},
		{name: "args not an object", in: `{"command": "run", "args": ["a"]}`},
		{name: "not an object", in: `"run"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d jobspec.Descriptor
			err := json.Unmarshal([]byte(tt.in), &d)
			require.Error(t, err)
			assert.ErrorIs(t, err, jobspec.ErrDescriptor)
		})
	}
}

func TestMarshalJSONRoundTripKeepsOrder(t *testing.T) {
	d := jobspec.Descriptor{
		Product: "ls8_nbar",
		Command: "sync",
		Fields:  map[string]string{"year": "2019"},
	}
	d.Args.Set("b_arg", "x")
	d.Args.Set("a_arg", "y")

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"product":"ls8_nbar","command":"sync","args":{"b_arg":"x","a_arg":"y"},"year":"2019"}`, string(data))

	var back jobspec.Descriptor
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d.Args, back.Args)
	assert.Equal(t, d.Fields, back.Fields)
}

func TestUnmarshalYAML(t *testing.T) {
	var d jobspec.Descriptor
	err := yaml.Unmarshal([]byte(`
product: wofs_albers
command: cog
args:
  second: "2"
  first: 1
year_range: 2018-2019
empty: ~
`), &d)
	require.NoError(t, err)

	assert.Equal(t, "wofs_albers", d.Product)
	assert.Equal(t, "cog", d.Command)
	assert.Equal(t, []string{"second", "first"}, d.Args.Keys())
	assert.Equal(t, "2018-2019", d.Field("year_range"))
	assert.False(t, d.HasField("empty"))
}

func TestCloneIsIndependent(t *testing.T) {
	d := jobspec.Descriptor{Command: "run", Fields: map[string]string{"a": "1"}}
	d.Args.Set("k", "v")

	c := d.Clone()
	c.Fields["a"] = "changed"
	c.Args.Set("k", "changed")
	c.Args.Set("new", "x")

	assert.Equal(t, "1", d.Fields["a"])
	v, _ := d.Args.Get("k")
	assert.Equal(t, "v", v)
	assert.Len(t, d.Args, 1)
}

func TestLookupExposesProduct(t *testing.T) {
	d := jobspec.Descriptor{Product: "ls7_pq", Fields: map[string]string{"year": "2001"}}

	v, ok := d.Lookup("product")
	assert.True(t, ok)
	assert.Equal(t, "ls7_pq", v)

	_, ok = d.Lookup("missing")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	good := jobspec.Descriptor{Command: "run", Fields: map[string]string{"year": "2019"}}
	good.Args.Set("arg_one", "x; rm -rf /")
	assert.NoError(t, good.Validate())

	badKey := jobspec.Descriptor{Command: "run"}
	badKey.Args.Set("arg one;", "x")
	assert.ErrorIs(t, badKey.Validate(), jobspec.ErrDescriptor)

	badField := jobspec.Descriptor{Fields: map[string]string{"a b": "x"}}
	assert.ErrorIs(t, badField.Validate(), jobspec.ErrDescriptor)
}

func TestValidateCommandName(t *testing.T) {
	assert.NoError(t, jobspec.ValidateCommandName("execute_ingest"))
	assert.NoError(t, jobspec.ValidateCommandName("/g/data/bin/dea-sync.sh"))
	assert.ErrorIs(t, jobspec.ValidateCommandName("run; reboot"), jobspec.ErrDescriptor)
	assert.ErrorIs(t, jobspec.ValidateCommandName(""), jobspec.ErrDescriptor)
}
