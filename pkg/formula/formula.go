// Package formula evaluates the string-transformation micro-DSL used by
// the format action. The evaluator is a textual rewriter: placeholders are
// substituted first, then function calls are reduced innermost-first by
// fixed-point iteration. It never evaluates host code and needs no sandbox;
// its output is still untrusted string data.
package formula

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/triops-labs/triops/pkg/template"
)

// Length caps bound evaluator cost on adversarial inputs.
const (
	MaxFormulaLength = 5000
	MaxInputLength   = 10000
	// MaxIterations caps the fixed-point reduction loop.
	MaxIterations = 50
)

var (
	// ErrFormulaTooLong is returned when the formula exceeds MaxFormulaLength.
	ErrFormulaTooLong = errors.New("formula: formula exceeds maximum length")
	// ErrInputTooLong is returned when a substituted input exceeds MaxInputLength.
	ErrInputTooLong = errors.New("formula: input exceeds maximum length")
)

// Substituted values are escaped before reduction so a property value
// containing syntax characters (parentheses, commas, quotes) can never be
// re-parsed as formula structure. The escapes are reverted after the
// fixed-point loop completes.
const (
	escLParen = '\x01'
	escRParen = '\x02'
	escComma  = '\x03'
	escQuote  = '\x04'
)

var escaper = strings.NewReplacer(
	"(", string(escLParen),
	")", string(escRParen),
	",", string(escComma),
	`"`, string(escQuote),
)

var unescaper = strings.NewReplacer(
	string(escLParen), "(",
	string(escRParen), ")",
	string(escComma), ",",
	string(escQuote), `"`,
)

// reCall matches an innermost function call: the argument list contains no
// parentheses, so nested calls reduce inside-out.
var reCall = regexp.MustCompile(`\b(concat|upper|lower|trimall|trim|capitalize|substring|replace|length|if|default|round|floor|ceil|abs)\(([^()]*)\)`)

var (
	reProperty = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	reInput    = regexp.MustCompile(`\[\[\s*input(\d+)\s*\]\]`)
)

// Result carries the final string plus its numeric reading, when it has one.
type Result struct {
	Value  string
	Number *float64
}

// Evaluate substitutes `{{property}}` and `[[inputN]]` placeholders and
// reduces the formula to a plain string.
func Evaluate(src string, props map[string]any, inputs []string) (Result, error) {
	if len(src) > MaxFormulaLength {
		return Result{}, ErrFormulaTooLong
	}
	for _, in := range inputs {
		if len(in) > MaxInputLength {
			return Result{}, ErrInputTooLong
		}
	}

	s := substituteEscaped(src, props, inputs)

	for i := 0; i < MaxIterations; i++ {
		next := reCall.ReplaceAllStringFunc(s, applyCall)
		if next == s {
			break
		}
		s = next
	}

	// A bare arithmetic remainder evaluates; anything else stays textual.
	// A lone number is left exactly as the last reduction produced it, so
	// round(...,2) keeps its trailing zeros.
	if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
		if v, err := evalArith(s); err == nil {
			s = formatNumber(v)
		} else if errors.Is(err, errDivByZero) {
			s = DivByZeroSentinel
		}
	}

	s = unescaper.Replace(s)

	res := Result{Value: s}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		res.Number = &n
	}
	return res, nil
}

// substituteEscaped is placeholder substitution with value escaping, so
// substituted data cannot collide with formula syntax. It mirrors
// template.Substitute but escapes every inserted value.
func substituteEscaped(s string, props map[string]any, inputs []string) string {
	s = maskValueEscapes(s)

	s = reProperty.ReplaceAllStringFunc(s, func(m string) string {
		path := reProperty.FindStringSubmatch(m)[1]
		v, ok := template.Extract(props, path)
		if !ok {
			return ""
		}
		return escaper.Replace(template.Stringify(v))
	})

	s = reInput.ReplaceAllStringFunc(s, func(m string) string {
		n, err := strconv.Atoi(reInput.FindStringSubmatch(m)[1])
		if err != nil || n < 1 || n > len(inputs) {
			return ""
		}
		return escaper.Replace(inputs[n-1])
	})

	return s
}

// maskValueEscapes strips any pre-existing sentinel bytes from the raw
// formula so user input cannot forge escapes.
func maskValueEscapes(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= escLParen && r <= escQuote {
			return -1
		}
		return r
	}, s)
}

// applyCall reduces one innermost function call to its value.
func applyCall(call string) string {
	m := reCall.FindStringSubmatch(call)
	name, rawArgs := m[1], m[2]
	args := splitArgs(rawArgs)

	switch name {
	case "concat":
		return strings.Join(args, "")
	case "upper":
		return strings.ToUpper(arg(args, 0))
	case "lower":
		return strings.ToLower(arg(args, 0))
	case "trim":
		return strings.TrimSpace(arg(args, 0))
	case "trimall":
		return strings.Join(strings.Fields(arg(args, 0)), "")
	case "capitalize":
		return capitalize(arg(args, 0))
	case "substring":
		return substring(arg(args, 0), arg(args, 1), arg(args, 2))
	case "replace":
		return strings.ReplaceAll(arg(args, 0), arg(args, 1), arg(args, 2))
	case "length":
		return strconv.Itoa(len([]rune(arg(args, 0))))
	case "if":
		if truthy(arg(args, 0)) {
			return arg(args, 1)
		}
		return arg(args, 2)
	case "default":
		if v := arg(args, 0); v != "" {
			return v
		}
		return arg(args, 1)
	case "round":
		return numericCall(arg(args, 0), func(v float64) string {
			places := 0
			if p, err := strconv.Atoi(strings.TrimSpace(arg(args, 1))); err == nil {
				places = p
			}
			return strconv.FormatFloat(v, 'f', places, 64)
		})
	case "floor":
		return numericCall(arg(args, 0), func(v float64) string { return formatNumber(math.Floor(v)) })
	case "ceil":
		return numericCall(arg(args, 0), func(v float64) string { return formatNumber(math.Ceil(v)) })
	case "abs":
		return numericCall(arg(args, 0), func(v float64) string { return formatNumber(math.Abs(v)) })
	default:
		return call
	}
}

// splitArgs splits a no-paren argument list on commas and unquotes string
// literals. Escaped commas inside substituted values do not split.
func splitArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
			p = p[1 : len(p)-1]
		}
		out[i] = p
	}
	return out
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// truthy mirrors the if() contract: non-empty and not a literal falsy word.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// substring implements substring(s, start[, end]) over runes, clamped.
func substring(s, startArg, endArg string) string {
	r := []rune(s)
	start, err := strconv.Atoi(strings.TrimSpace(startArg))
	if err != nil || start < 0 {
		start = 0
	}
	end := len(r)
	if e, err := strconv.Atoi(strings.TrimSpace(endArg)); err == nil && e < end {
		end = e
	}
	if start > len(r) {
		start = len(r)
	}
	if end < start {
		end = start
	}
	return string(r[start:end])
}

// numericCall evaluates the argument as arithmetic (so nested expressions
// like "10000*1.18" work) and formats via f. Division by zero propagates
// the sentinel; non-numeric input is returned unchanged.
func numericCall(expr string, f func(float64) string) string {
	v, err := evalArith(expr)
	if err != nil {
		if errors.Is(err, errDivByZero) {
			return DivByZeroSentinel
		}
		if strings.Contains(expr, DivByZeroSentinel) {
			return DivByZeroSentinel
		}
		return expr
	}
	return f(v)
}

// String renders a result number for diagnostics.
func (r Result) String() string {
	if r.Number != nil {
		return fmt.Sprintf("%s (numeric %v)", r.Value, *r.Number)
	}
	return r.Value
}
