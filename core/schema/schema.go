// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package schema validates JSON request bodies against JSON schemas

The request bodies of the service are described by the schemas in requests/, which are
compiled into the Requests validator. Schemas in requests/refs/ may be referenced from
the top level schemas.
*/
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed requests
var requestsFS embed.FS

// Validator is a utility to validate JSON objects against a set of schemas
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// ValidationError lists everything that is wrong with a document
type ValidationError struct {
	SchemaID string
	Details  []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid: " + strings.Join(e.Details, "; ")
}

// NewValidatorFromFS creates a new Validator using the .json files of dir in fsys as top
// level schemas and the .json files of dir/refs as references.
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("cannot read dir %s: %w", dir, err)
		}
		var docs []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s': %w", e.Name(), err)
			}
			docs = append(docs, string(data))
		}
		return docs, nil
	}

	schemas, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	refs, err := readDir(path.Join(dir, "refs"))
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator creates a new Validator. Top level schemas cannot reference each
// other, references must be in refs.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		var id struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(str), &id); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if id.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref %s: %w", ref, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", id.ID, err)
		}
		v.schemas[id.ID] = compiled
	}
	return &v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// Validate validates the JSON document data against schemaID. Invalid documents result
// in a *ValidationError.
func (v *Validator) Validate(data []byte, schemaID string) error {
	s, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		verr.Details = append(verr.Details, e.String())
	}
	return verr
}

// Decode validates data against schemaID and unmarshals it into value
func (v *Validator) Decode(data []byte, schemaID string, value interface{}) error {
	if err := v.Validate(data, schemaID); err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// Requests returns the validator for the request bodies of the service. It panics if
// the embedded schemas do not compile.
func Requests() *Validator {
	v, err := NewValidatorFromFS(requestsFS, "requests")
	if err != nil {
		panic(err)
	}
	return v
}
