package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk batch description.
type File struct {
	Name    string  `yaml:"name" validate:"required"`
	Options Options `yaml:"options"`
	Items   []Item  `yaml:"items" validate:"dive"`
}

// Batch returns the batch portion of f.
func (f *File) Batch() Batch {
	return Batch{Name: f.Name, Items: f.Items}
}

// LoadFile reads and validates a YAML batch file. Options not present in the
// file take the values of defaults.
func LoadFile(path string, defaults Options) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	f, err := Parse(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("batch file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML batch document.
func Parse(data []byte, defaults Options) (*File, error) {
	f := &File{Options: defaults}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty batch file")
		}
		return nil, fmt.Errorf("decoding: %w", err)
	}

	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	seen := make(map[string]bool, len(f.Items))
	for _, item := range f.Items {
		if seen[item.ID] {
			return nil, fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = true
	}
	return f, nil
}
