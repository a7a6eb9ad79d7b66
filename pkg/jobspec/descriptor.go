// Package jobspec describes the remote work a caller asks for: which product
// or category it concerns, which command or template to run, and the values
// that fill it in.
package jobspec

import (
	"errors"
	"maps"
	"sort"

	"github.com/google/uuid"
)

// Reserved descriptor keys. Every other key is a template field.
const (
	KeyProduct = "product"
	KeyCommand = "command"
	KeyArgs    = "args"
)

// ErrDescriptor marks a job descriptor that cannot be decoded or fails validation.
var ErrDescriptor = errors.New("invalid job descriptor")

// Descriptor is the caller-supplied description of one job.
type Descriptor struct {
	// Product is the discriminant that selects the command-list strategy.
	Product string `validate:"max=256"`
	// Command is a configured template name, a literal template, or, in
	// flags mode, the bare command name.
	Command string `validate:"max=4096"`
	Args    Args   `validate:"dive"`
	Fields  map[string]string
}

// Clone returns a deep copy. Builders derive every command from a clone so
// the caller's descriptor is never modified.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{
		Product: d.Product,
		Command: d.Command,
		Args:    d.Args.clone(),
		Fields:  make(map[string]string, len(d.Fields)),
	}
	maps.Copy(out.Fields, d.Fields)
	return out
}

// With returns a copy of d with the given template fields set.
func (d Descriptor) With(fields map[string]string) Descriptor {
	out := d.Clone()
	maps.Copy(out.Fields, fields)
	return out
}

// Lookup resolves a template field. The discriminant is visible to templates
// under its reserved key.
func (d Descriptor) Lookup(name string) (string, bool) {
	if name == KeyProduct {
		return d.Product, d.Product != ""
	}
	v, ok := d.Fields[name]
	return v, ok
}

// Field returns a template field or the empty string.
func (d Descriptor) Field(name string) string {
	v, _ := d.Lookup(name)
	return v
}

// HasField reports whether the caller supplied a template field.
func (d Descriptor) HasField(name string) bool {
	_, ok := d.Fields[name]
	return ok
}

// FieldNames returns the template field names in sorted order.
func (d Descriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Request is the envelope a job travels in between the submitter, the queue
// and the dispatcher.
type Request struct {
	JobID uuid.UUID  `json:"job_id"`
	Job   Descriptor `json:"job"`
}

// NewRequest wraps a descriptor with a fresh job id.
func NewRequest(d Descriptor) Request {
	return Request{JobID: uuid.New(), Job: d}
}
