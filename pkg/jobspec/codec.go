package jobspec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalJSON decodes a descriptor object. Argument order inside "args" is
// preserved; scalar field values keep their textual form and null drops the key.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptor, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: descriptor must be an object", ErrDescriptor)
	}

	out := Descriptor{Fields: make(map[string]string)}
	for key, msg := range raw {
		if key == KeyArgs {
			args, err := decodeJSONArgs(msg)
			if err != nil {
				return err
			}
			out.Args = args
			continue
		}
		value, ok, err := jsonScalar(key, msg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch key {
		case KeyProduct:
			out.Product = value
		case KeyCommand:
			out.Command = value
		default:
			out.Fields[key] = value
		}
	}
	*d = out
	return nil
}

func decodeJSONArgs(msg json.RawMessage) (Args, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: args: %v", ErrDescriptor, err)
	}
	if tok == nil {
		return nil, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: args must be an object", ErrDescriptor)
	}

	var args Args
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: args: %v", ErrDescriptor, err)
		}
		key, _ := keyTok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: args.%s: %v", ErrDescriptor, key, err)
		}
		s, ok, err := jsonScalar("args."+key, value)
		if err != nil {
			return nil, err
		}
		if ok {
			args.Set(key, s)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: args: %v", ErrDescriptor, err)
	}
	return args, nil
}

// jsonScalar renders a JSON scalar as text. Strings are unquoted, numbers and
// booleans keep their literal spelling, null reports ok=false.
func jsonScalar(key string, msg json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false, fmt.Errorf("%w: %s: %v", ErrDescriptor, key, err)
		}
		return s, true, nil
	case '{', '[':
		return "", false, fmt.Errorf("%w: %s: nested values are not supported", ErrDescriptor, key)
	default:
		return string(trimmed), true, nil
	}
}

// MarshalJSON writes the descriptor back in the same shape it is read from,
// args in insertion order and fields sorted by name.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	writeKV := func(key string, value []byte) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}
	str := func(s string) []byte {
		b, _ := json.Marshal(s)
		return b
	}

	if d.Product != "" {
		writeKV(KeyProduct, str(d.Product))
	}
	if d.Command != "" {
		writeKV(KeyCommand, str(d.Command))
	}
	if len(d.Args) > 0 {
		var args bytes.Buffer
		args.WriteByte('{')
		for i, arg := range d.Args {
			if i > 0 {
				args.WriteByte(',')
			}
			args.Write(str(arg.Key))
			args.WriteByte(':')
			args.Write(str(arg.Value))
		}
		args.WriteByte('}')
		writeKV(KeyArgs, args.Bytes())
	}
	for _, name := range d.FieldNames() {
		writeKV(name, str(d.Fields[name]))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML decodes a descriptor from a YAML mapping with the same rules
// as UnmarshalJSON. Used for descriptors embedded in configuration files.
func (d *Descriptor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: line %d: descriptor must be a mapping", ErrDescriptor, node.Line)
	}
	out := Descriptor{Fields: make(map[string]string)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		if key == KeyArgs {
			args, err := decodeYAMLArgs(value)
			if err != nil {
				return err
			}
			out.Args = args
			continue
		}
		s, ok, err := yamlScalar(key, value)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch key {
		case KeyProduct:
			out.Product = s
		case KeyCommand:
			out.Command = s
		default:
			out.Fields[key] = s
		}
	}
	*d = out
	return nil
}

func decodeYAMLArgs(node *yaml.Node) (Args, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: line %d: args must be a mapping", ErrDescriptor, node.Line)
	}
	var args Args
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		s, ok, err := yamlScalar("args."+key, node.Content[i+1])
		if err != nil {
			return nil, err
		}
		if ok {
			args.Set(key, s)
		}
	}
	return args, nil
}

func yamlScalar(key string, node *yaml.Node) (string, bool, error) {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	if node.Kind != yaml.ScalarNode {
		return "", false, fmt.Errorf("%w: line %d: %s: nested values are not supported", ErrDescriptor, node.Line, key)
	}
	if node.Tag == "!!null" {
		return "", false, nil
	}
	return node.Value, true, nil
}
