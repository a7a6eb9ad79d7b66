package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andrej220/remexec/pkg/jobspec"
)

// readDescriptor reads a JSON or YAML descriptor from path, or from stdin
// when path is "-". YAML is chosen by extension; stdin is sniffed.
func readDescriptor(path string, stdin io.Reader) (jobspec.Descriptor, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return jobspec.Descriptor{}, err
	}

	var d jobspec.Descriptor
	ext := strings.ToLower(filepath.Ext(path))
	isJSON := ext == ".json" || (path == "-" && strings.HasPrefix(strings.TrimSpace(string(data)), "{"))
	if isJSON {
		err = json.Unmarshal(data, &d)
	} else {
		err = yaml.Unmarshal(data, &d)
	}
	if err != nil {
		return jobspec.Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
