package schema

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a YAML workflow document.
// Unknown top-level or step fields are rejected so typos surface at load
// time instead of silently changing run behavior.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse workflow: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// LoadDefinition reads and parses a workflow file.
func LoadDefinition(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeNotFound, "read workflow %s: %s", path, err.Error()).WithCause(err)
	}
	return ParseDefinition(data)
}
