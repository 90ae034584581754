package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDescriptor reads a YAML schema descriptor from disk, validates it
// against the CUE contract, and returns it ready for registration.
//
// Descriptor files look like:
//
//	versions:
//	  - version: 1
//	    stores:
//	      - name: users
//	        keyPath: id
//	        indexes:
//	          - name: by_email
//	            keyPath: email
//	            unique: true
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor decodes and validates YAML descriptor bytes.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, &Error{Message: "parse descriptor: " + err.Error()}
	}
	if len(desc.Versions) == 0 {
		return nil, &Error{Message: "descriptor defines no versions"}
	}
	if err := ValidateDescriptor(&desc); err != nil {
		return nil, err
	}
	return &desc, nil
}
