// Package monitor validates inbound requests against JSON schema contracts.
package monitor

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/open_request.json
var openRequestSchema string

// ContractMonitor validates request bodies against a compiled JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor creates a ContractMonitor from the schema file at
// schemaPath, absolute or relative to the working directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewReferenceLoader("file://" + schemaPath))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", schemaPath, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// NewContractMonitorFromString creates a ContractMonitor from an inline schema.
func NewContractMonitorFromString(schema string) (*ContractMonitor, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error compiling schema: %w", err)
	}
	return &ContractMonitor{schema: s}, nil
}

// NewOpenRequestMonitor returns a ContractMonitor for open confirmation
// requests, using the schema built into the binary.
func NewOpenRequestMonitor() (*ContractMonitor, error) {
	return NewContractMonitorFromString(openRequestSchema)
}

// Validate validates requestBody against the schema. It returns true if
// valid, or false and the list of violations if not. A non-nil error means
// the body could not be validated at all, e.g. because it is not JSON.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
