package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/decision"
)

// Contract validates raw model output against the output schema. It is the
// only path from model text to a decision.ModelAction.
type Contract struct {
	schema *jsonschema.Resolved
	log    logrus.FieldLogger
}

// New compiles SchemaJSON.
func New(log logrus.FieldLogger) (*Contract, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(SchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("parse output schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve output schema: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Contract{schema: resolved, log: log}, nil
}

// Validate parses raw model text and checks it against the schema.
// Non-JSON or non-object text wraps decision.ErrMalformedModelOutput;
// schema failures wrap decision.ErrSchemaViolation.
func (c *Contract) Validate(raw string) (decision.ModelAction, error) {
	text := strings.TrimSpace(raw)

	doc, err := decodeObject(text, true)
	if err != nil {
		return decision.ModelAction{}, fmt.Errorf("%w: %v", decision.ErrMalformedModelOutput, err)
	}

	// The text already parsed, so a second decode only fails on numbers
	// outside float64 range, which no schema number can satisfy.
	instance, err := decodeObject(text, false)
	if err == nil {
		err = c.schema.Validate(instance)
	}
	if err != nil {
		c.log.WithError(err).WithField("fields", presentFields(doc)).Error("model output failed schema validation")
		return decision.ModelAction{}, fmt.Errorf("%w: %v", decision.ErrSchemaViolation, err)
	}

	var action decision.ModelAction
	if err := json.Unmarshal([]byte(text), &action); err != nil {
		return decision.ModelAction{}, fmt.Errorf("%w: %v", decision.ErrSchemaViolation, err)
	}
	if action.Arguments == nil {
		action.Arguments = map[string]any{}
	}
	return action.WithDocument(doc), nil
}

// decodeObject requires text to hold exactly one JSON object. useNumber
// keeps numeric literals intact for the pass-through document.
func decodeObject(text string, useNumber bool) (map[string]any, error) {
	if text == "" {
		return nil, errors.New("empty response")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	if useNumber {
		dec.UseNumber()
	}
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", jsonKind(value))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}

func presentFields(doc map[string]any) []string {
	present := make([]string, 0, len(RequiredFields))
	for _, f := range RequiredFields {
		if _, ok := doc[f]; ok {
			present = append(present, f)
		}
	}
	return present
}
