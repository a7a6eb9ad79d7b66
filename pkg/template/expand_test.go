package template

import (
	"errors"
	"testing"

	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandFlags(t *testing.T) {
	d := jobspec.Descriptor{Command: "run"}
	d.Args.Set("arg_one", "x")
	d.Args.Set("arg_two", "y")

	got, err := ExpandFlags(d)
	require.NoError(t, err)
	assert.Equal(t, "run --arg-one 'x' --arg-two 'y'", got)
}

func TestExpandFlagsReplacesEveryUnderscore(t *testing.T) {
	d := jobspec.Descriptor{Command: "execute_ingest"}
	d.Args.Set("dea_module_name", "dea/20190101")

	got, err := ExpandFlags(d)
	require.NoError(t, err)
	assert.Equal(t, "execute_ingest --dea-module-name 'dea/20190101'", got)
}

func TestExpandFlagsQuotesHostileValues(t *testing.T) {
	d := jobspec.Descriptor{Command: "run"}
	d.Args.Set("name", "it's; rm -rf ~")

	got, err := ExpandFlags(d)
	require.NoError(t, err)
	assert.Equal(t, `run --name 'it'\''s; rm -rf ~'`, got)
}

func TestExpandFlagsDoesNotTouchInput(t *testing.T) {
	d := jobspec.Descriptor{Command: "run", Fields: map[string]string{"year": "2019"}}
	d.Args.Set("a", "1")
	before := d.Clone()

	_, err := ExpandFlags(d)
	require.NoError(t, err)
	assert.Equal(t, before, d)
}

func TestExpandFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		d    func() jobspec.Descriptor
	}{
		{name: "missing command", d: func() jobspec.Descriptor {
			d := jobspec.Descriptor{}
			d.Args.Set("a", "1")
			return d
		}},
		{name: "command with spaces", d: func() jobspec.Descriptor {
			d := jobspec.Descriptor{Command: "run now"}
			d.Args.Set("a", "1")
			return d
		}},
		{name: "bad arg key", d: func() jobspec.Descriptor {
			d := jobspec.Descriptor{Command: "run"}
			d.Args.Set("a;b", "1")
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExpandFlags(tt.d())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTemplate)
		})
	}
}

func TestInterpolate(t *testing.T) {
	values := MapValues{
		"code":       "myarg",
		"path":       "/g/data/rs0/ls8/2019/??/output/nbar/",
		"time_range": "2019-01-01 < time < 2019-01-05",
		"year":       "2019",
	}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "literal", tmpl: "dea-sync.sh", want: "dea-sync.sh"},
		{name: "bare value", tmpl: "mycommand --arg1 <%= code %>", want: "mycommand --arg1 myarg"},
		{name: "no spaces in tag", tmpl: "x <%=year%>", want: "x 2019"},
		{name: "glob is quoted", tmpl: "sync --path <%= path %>", want: "sync --path '/g/data/rs0/ls8/2019/??/output/nbar/'"},
		{name: "raw value", tmpl: "ls <%- path %>", want: "ls /g/data/rs0/ls8/2019/??/output/nbar/"},
		{name: "range expression", tmpl: "cog --time <%= time_range %>", want: "cog --time '2019-01-01 < time < 2019-01-05'"},
		{name: "repeated", tmpl: "<%= year %>-<%= year %>", want: "2019-2019"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpolate(tt.tmpl, values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolateFailsFast(t *testing.T) {
	tests := []struct {
		name  string
		tmpl  string
		field string
	}{
		{name: "missing field", tmpl: "run --year <%= year %> --x <%= absent %>", field: "absent"},
		{name: "unterminated", tmpl: "run <%= year"},
		{name: "evaluate tag", tmpl: "run <% year %>"},
		{name: "empty tag", tmpl: "run <%%>"},
		{name: "bad name", tmpl: "run <%= a b %>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interpolate(tt.tmpl, MapValues{"year": "2019"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTemplate)

			var te *TemplateError
			require.True(t, errors.As(err, &te))
			if tt.field != "" {
				assert.Equal(t, tt.field, te.Field)
			}
		})
	}
}

func TestExpandUsesDescriptorFields(t *testing.T) {
	d := jobspec.Descriptor{Product: "ls8_nbar", Fields: map[string]string{"year": "2019"}}

	got, err := Expand("sync --product <%= product %> --year <%= year %>", d)
	require.NoError(t, err)
	assert.Equal(t, "sync --product ls8_nbar --year 2019", got)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "abc-1.2/x", ShellQuote("abc-1.2/x"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
	assert.Equal(t, `'a'\''b'`, ShellQuote("a'b"))
	assert.Equal(t, "'$(id)'", ShellQuote("$(id)"))
}
