// Package intake validates inbound request bodies against embedded JSON schemas
// before they reach the engine.
package intake

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/liquidpay/backend/internal/payout"
)

// Request kinds, named after their schema files.
const (
	KindLiquidation   = "liquidation_request"
	KindClearMismatch = "clear_mismatch"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrUnknownKind is returned for a kind with no schema.
var ErrUnknownKind = errors.New("unknown request kind")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded *.v1.json schema, keyed by file name
// without the version suffix.
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		kind := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".json"), ".v1")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://liquidpay.dev/schemas/" + kind
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks body against the schema for kind. A body that is not JSON or
// does not match is reported as *payout.ValidationError naming the first
// offending field.
func (v *Validator) Validate(kind string, body []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &payout.ValidationError{Field: "body", Reason: "must be valid JSON"}
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	leaf := deepest(verr)
	return &payout.ValidationError{Field: fieldName(leaf.InstanceLocation), Reason: leaf.Message}
}

// deepest follows the first cause chain to the most specific failure.
func deepest(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

// fieldName turns a JSON pointer like /metadata/destination/routing into
// metadata.destination.routing.
func fieldName(pointer string) string {
	p := strings.Trim(pointer, "/")
	if p == "" {
		return "body"
	}
	return strings.ReplaceAll(p, "/", ".")
}
