// Package template turns a job descriptor into a shell command line.
//
// Two styles are supported. Flags mode builds
//
//	<command> --arg-one 'v1' --arg-two 'v2'
//
// from the descriptor's ordered args. Interpolation mode evaluates a template
// string with placeholders:
//
//	<%= field %>   value, quoted for a POSIX shell when needed
//	<%- field %>   value inserted verbatim (configuration-derived fields only)
//
// The tags look like lodash/EJS tags but their meaning is reversed: there
// <%= is the raw tag and <%- the escaping one. Here the short, common tag is
// the safe one. A lodash template moved over unchanged gets its <%= values
// shell-quoted, and any <%- values are inserted unquoted, so check which
// fields must stay raw (globs, paths with wildcards) before reusing one.
//
// A placeholder naming a field the descriptor does not carry fails the whole
// expansion; nothing is ever substituted with an empty string.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/andrej220/remexec/pkg/jobspec"
)

// ErrTemplate is the sentinel every TemplateError matches with errors.Is.
var ErrTemplate = errors.New("template error")

// TemplateError reports a missing field or a malformed template.
type TemplateError struct {
	Field  string
	Offset int
	Reason string
}

func (e *TemplateError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("template: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("template: offset %d: %s", e.Offset, e.Reason)
}

func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

// Values resolves template fields by name.
type Values interface {
	Lookup(name string) (string, bool)
}

// MapValues adapts a plain map to Values.
type MapValues map[string]string

func (m MapValues) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

const (
	openTag  = "<%"
	closeTag = "%>"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Expand evaluates tmpl against the descriptor's fields.
func Expand(tmpl string, d jobspec.Descriptor) (string, error) {
	return Interpolate(tmpl, d)
}

// Interpolate evaluates tmpl against values.
func Interpolate(tmpl string, values Values) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	offset := 0
	for {
		i := strings.Index(rest, openTag)
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		start := offset + i

		body := rest[i+len(openTag):]
		j := strings.Index(body, closeTag)
		if j < 0 {
			return "", &TemplateError{Offset: start, Reason: "unterminated placeholder"}
		}
		tag := body[:j]
		if tag == "" {
			return "", &TemplateError{Offset: start, Reason: "empty placeholder"}
		}

		mode := tag[0]
		if mode != '=' && mode != '-' {
			return "", &TemplateError{Offset: start, Reason: fmt.Sprintf("unsupported placeholder %q", openTag+tag+closeTag)}
		}
		name := strings.TrimSpace(tag[1:])
		if !fieldNamePattern.MatchString(name) {
			return "", &TemplateError{Offset: start, Reason: fmt.Sprintf("invalid field name %q", name)}
		}

		value, ok := values.Lookup(name)
		if !ok {
			return "", &TemplateError{Field: name, Offset: start, Reason: "missing"}
		}
		if mode == '=' {
			b.WriteString(ShellQuote(value))
		} else {
			b.WriteString(value)
		}

		consumed := i + len(openTag) + j + len(closeTag)
		rest = rest[consumed:]
		offset += consumed
	}
}

// FlagName converts an argument key to its emitted flag: every underscore
// becomes a dash.
func FlagName(key string) string {
	return "--" + strings.ReplaceAll(key, "_", "-")
}

// ExpandFlags builds a flags-mode command line from the descriptor's command
// name and ordered args. Values are always single-quoted.
func ExpandFlags(d jobspec.Descriptor) (string, error) {
	if err := jobspec.ValidateCommandName(d.Command); err != nil {
		return "", &TemplateError{Field: jobspec.KeyCommand, Reason: "flags mode needs a plain command name"}
	}
	parts := make([]string, 0, 1+2*len(d.Args))
	parts = append(parts, d.Command)
	for _, arg := range d.Args {
		if !jobspec.ValidFlagName(arg.Key) {
			return "", &TemplateError{Field: arg.Key, Reason: "invalid argument name"}
		}
		parts = append(parts, FlagName(arg.Key), SingleQuote(arg.Value))
	}
	return strings.Join(parts, " "), nil
}
