// Package template performs literal placeholder substitution for action
// inputs. Two placeholder families are recognized:
//
//	{{path}}   dotted path into the workflow object's properties
//	[[inputN]] numbered input field from the action configuration
//
// Substitution is plain string interpolation. There are no helpers,
// partials or directives, which keeps template injection off the table as
// an escape vector.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	reProperty = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	reInput    = regexp.MustCompile(`\[\[\s*input(\d+)\s*\]\]`)
)

// Stringify renders an extracted value the way it should appear inside a
// substituted string: scalars verbatim, composites as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Substitute replaces both placeholder families in s. Unresolvable
// placeholders collapse to the empty string. Substituted values are
// NFC-normalized so visually identical inputs compare and hash equally
// downstream.
func Substitute(s string, props map[string]any, inputs []string) string {
	s = reProperty.ReplaceAllStringFunc(s, func(m string) string {
		path := reProperty.FindStringSubmatch(m)[1]
		v, ok := Extract(props, path)
		if !ok {
			return ""
		}
		return norm.NFC.String(Stringify(v))
	})

	s = reInput.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(reInput.FindStringSubmatch(m)[1])
		if err != nil || n < 1 || n > len(inputs) {
			return ""
		}
		return norm.NFC.String(inputs[n-1])
	})

	return s
}

// SubstituteMap applies Substitute to every value of a string map,
// returning a new map.
func SubstituteMap(in map[string]string, props map[string]any, inputs []string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = Substitute(v, props, inputs)
	}
	return out
}
