package presentation

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	format string
}

// NewFormatter creates a formatter writing format ("json" or "yaml").
func NewFormatter(writer io.Writer, format string) (*Formatter, error) {
	switch format {
	case "", FormatYAML:
		format = FormatYAML
	case FormatJSON:
	default:
		return nil, fmt.Errorf("unsupported output format %q (want json or yaml)", format)
	}
	return &Formatter{writer: writer, format: format}, nil
}

// Format writes v in the configured format.
func (f *Formatter) Format(v any) error {
	if f.format == FormatJSON {
		encoder := json.NewEncoder(f.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}
