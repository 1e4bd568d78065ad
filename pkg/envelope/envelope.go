// Package envelope parses and validates the inbound action invocation
// payload sent by the automation platform. Parsing happens only after
// signature verification has accepted the raw bytes.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidEnvelope wraps schema and decoding failures.
var ErrInvalidEnvelope = errors.New("envelope: invalid action payload")

// Origin identifies the installation the callback belongs to.
type Origin struct {
	PortalID int64 `json:"portalId"`
}

// FlexID accepts both string and numeric JSON identifiers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("envelope: object id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Object is the workflow object the action fires for.
type Object struct {
	ObjectType string         `json:"objectType"`
	ObjectID   FlexID         `json:"objectId"`
	Properties map[string]any `json:"properties"`
}

// Envelope is the verified, decoded action request.
type Envelope struct {
	CallbackID  string         `json:"callbackId"`
	Origin      Origin         `json:"origin"`
	Context     map[string]any `json:"context"`
	Object      Object         `json:"object"`
	InputFields map[string]any `json:"inputFields"`
}

// WorkflowID extracts the workflow identifier from the context block.
func (e *Envelope) WorkflowID() string {
	if e.Context == nil {
		return ""
	}
	switch v := e.Context["workflowId"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// TenantID renders the portal id as the tenant key used by the stores.
func (e *Envelope) TenantID() string {
	return fmt.Sprintf("%d", e.Origin.PortalID)
}

// InputString reads a string-valued input field, coercing scalars.
func (e *Envelope) InputString(name string) string {
	v, ok := e.InputFields[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return ""
	}
}

// InputBool reads a boolean input field; "true" strings count.
func (e *Envelope) InputBool(name string) bool {
	switch t := e.InputFields[name].(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

// InputInt reads an integer input field, defaulting on absence or junk.
func (e *Envelope) InputInt(name string, def int) int {
	switch t := e.InputFields[name].(type) {
	case float64:
		return int(t)
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// NumberedInputs collects input1..inputN in order, stopping at the first
// missing slot.
func (e *Envelope) NumberedInputs(max int) []string {
	var out []string
	for i := 1; i <= max; i++ {
		key := fmt.Sprintf("input%d", i)
		if _, ok := e.InputFields[key]; !ok {
			break
		}
		out = append(out, e.InputString(key))
	}
	return out
}

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["callbackId", "origin"],
	"properties": {
		"callbackId": {"type": "string", "minLength": 1, "maxLength": 256},
		"origin": {
			"type": "object",
			"required": ["portalId"],
			"properties": {"portalId": {"type": "integer", "minimum": 1}}
		},
		"context": {"type": "object"},
		"object": {
			"type": "object",
			"properties": {
				"objectType": {"type": "string"},
				"objectId": {"type": ["string", "integer"]},
				"properties": {"type": "object"}
			}
		},
		"inputFields": {"type": "object"}
	}
}`

var compiledSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("envelope.schema.json", strings.NewReader(envelopeSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("envelope.schema.json")
}

// Parse decodes and schema-validates the raw request body.
func Parse(raw []byte) (*Envelope, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, "malformed JSON")
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &env, nil
}
