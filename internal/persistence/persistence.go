// Package persistence writes job results and batches to files or stdout in
// JSON or YAML.
package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stdout is the destination name that writes to the process's stdout.
const Stdout = "-"

const indent = "  "

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(dest string, data []byte) error
}

type JSONSerializer struct {
	Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", s.Indent)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(data any) ([]byte, error) {
	return yaml.Marshal(data)
}

// SerializerFor picks a serializer by format name ("json", "yaml") or, if
// format is empty, by the destination's extension. JSON is the default.
func SerializerFor(format, dest string) (Serializer, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(dest)) {
		case ".yaml", ".yml":
			format = "yaml"
		default:
			format = "json"
		}
	}
	switch format {
	case "json":
		return JSONSerializer{Indent: indent}, nil
	case "yaml", "yml":
		return YAMLSerializer{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// FileWriter writes dest atomically through a temp file in the same
// directory. Stdout goes to Out.
type FileWriter struct {
	Overwrite bool
	Out       io.Writer
}

func (w FileWriter) Write(dest string, data []byte) error {
	if dest == "" {
		return fmt.Errorf("invalid destination: %w", os.ErrInvalid)
	}
	if dest == Stdout {
		out := w.Out
		if out == nil {
			out = os.Stdout
		}
		_, err := out.Write(data)
		return err
	}
	if _, err := os.Stat(dest); err == nil && !w.Overwrite {
		return fmt.Errorf("%s: %w", dest, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Save serializes data and hands it to writer.
func Save(data any, dest string, serializer Serializer, writer Writer) error {
	if dest == "" {
		return fmt.Errorf("invalid destination: %w", os.ErrInvalid)
	}
	b, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(dest, b); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteFile saves data to dest in format (or by extension), overwriting.
func WriteFile(data any, dest, format string) error {
	s, err := SerializerFor(format, dest)
	if err != nil {
		return err
	}
	return Save(data, dest, s, FileWriter{Overwrite: true})
}
