// Package processor cleans up captured command output with configurable
// processor chains and extracts the key=value pairs remote tooling reports.
package processor

import (
	"fmt"
	"sort"
	"strings"
)

// Stream identifies which output stream the lines came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

const (
	ProcessorTypeSplitLines string = "split_lines"
	ProcessorTypeTrim       string = "trim"
	ProcessorTypeDropEmpty  string = "drop_empty"
	ProcessorTypeKeyValue   string = "key_value"
)

// DefaultChain is the processor order applied to every command's output.
var DefaultChain = []string{ProcessorTypeSplitLines, ProcessorTypeTrim, ProcessorTypeDropEmpty}

// ReportChain is DefaultChain followed by key=value extraction.
var ReportChain = []string{ProcessorTypeSplitLines, ProcessorTypeTrim, ProcessorTypeDropEmpty, ProcessorTypeKeyValue}

// Processor defines the interface for processing output lines.
type Processor interface {
	Process([]string, Stream) ([]string, error)
	Name() string
}

// ProcessorChain manages a collection of processors and applies them in sequence.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&SplitLinesProcessor{})
	pc.Register(&TrimProcessor{})
	pc.Register(&DropEmptyProcessor{})
	pc.Register(&KeyValueProcessor{})
}

// Register adds a processor to the chain.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

func isValidStream(s Stream) bool {
	return s == StreamStdout || s == StreamStderr
}

// Process applies the named processors to lines in order.
func (pc *ProcessorChain) Process(lines []string, stream Stream, processorNames ...string) ([]string, error) {
	if !isValidStream(stream) {
		return nil, fmt.Errorf("invalid stream: %v", stream)
	}
	for _, name := range processorNames {
		if _, exists := pc.processors[name]; !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
	}
	if len(lines) == 0 {
		return lines, nil
	}
	result := lines
	for _, name := range processorNames {
		var err error
		result, err = pc.processors[name].Process(result, stream)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
		if len(result) == 0 {
			break
		}
	}
	return result, nil
}

// Lines runs the default chain over raw captured output.
func (pc *ProcessorChain) Lines(raw string, stream Stream) []string {
	if raw == "" {
		return nil
	}
	// the default chain never fails on a valid stream
	lines, _ := pc.Process([]string{raw}, stream, DefaultChain...)
	return lines
}

// Reported runs ReportChain over a command's stdout and returns the
// key=value pairs it reported.
func (pc *ProcessorChain) Reported(stdout string) map[string]string {
	if stdout == "" {
		return nil
	}
	lines, _ := pc.Process([]string{stdout}, StreamStdout, ReportChain...)
	return ParseKeyValues(lines)
}

// SplitLinesProcessor splits entries holding embedded newlines.
type SplitLinesProcessor struct{}

func (p *SplitLinesProcessor) Name() string { return ProcessorTypeSplitLines }

func (p *SplitLinesProcessor) Process(lines []string, _ Stream) ([]string, error) {
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		result = append(result, strings.Split(strings.ReplaceAll(line, "\r\n", "\n"), "\n")...)
	}
	return result, nil
}

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }

func (p *TrimProcessor) Process(lines []string, _ Stream) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// DropEmptyProcessor removes blank lines.
type DropEmptyProcessor struct{}

func (p *DropEmptyProcessor) Name() string { return ProcessorTypeDropEmpty }

func (p *DropEmptyProcessor) Process(lines []string, _ Stream) ([]string, error) {
	result := lines[:0:0]
	for _, line := range lines {
		if line != "" {
			result = append(result, line)
		}
	}
	return result, nil
}

// KeyValueProcessor keeps only key=value lines of stdout, normalized and
// sorted by key. A later line wins over an earlier one with the same key.
type KeyValueProcessor struct{}

func (p *KeyValueProcessor) Name() string { return ProcessorTypeKeyValue }

func (p *KeyValueProcessor) Process(lines []string, stream Stream) ([]string, error) {
	if stream != StreamStdout {
		return lines, nil
	}
	kv := ParseKeyValues(lines)
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(kv))
	for _, k := range keys {
		result = append(result, k+"="+kv[k])
	}
	return result, nil
}

// ParseKeyValues collects key=value lines. Lines without '=' or with an
// empty key or a key containing whitespace are ignored.
func ParseKeyValues(lines []string) map[string]string {
	kv := make(map[string]string)
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		kv[key] = strings.TrimSpace(value)
	}
	return kv
}
