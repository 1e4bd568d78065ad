package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// DivByZeroSentinel is the well-defined result of dividing by zero. It is
// ordinary string data to callers; arithmetic never panics or errors out of
// the evaluator.
const DivByZeroSentinel = "#DIV/0!"

var errNotArithmetic = fmt.Errorf("formula: not an arithmetic expression")
var errDivByZero = fmt.Errorf("formula: division by zero")

type arithToken struct {
	op  byte // one of + - * /, 0 for number
	num float64
}

// tokenizeArith splits an expression into numbers and operators. A '-' is
// treated as a sign when it starts the expression or follows an operator.
func tokenizeArith(s string) ([]arithToken, error) {
	var tokens []arithToken
	i := 0
	expectNum := true
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case !expectNum && (c == '+' || c == '-' || c == '*' || c == '/'):
			tokens = append(tokens, arithToken{op: c})
			expectNum = true
			i++
		default:
			if !expectNum {
				return nil, errNotArithmetic
			}
			start := i
			if c == '-' || c == '+' {
				i++
			}
			for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
				i++
			}
			num, err := strconv.ParseFloat(strings.TrimSpace(s[start:i]), 64)
			if err != nil {
				return nil, errNotArithmetic
			}
			tokens = append(tokens, arithToken{num: num})
			expectNum = false
		}
	}
	if len(tokens) == 0 || expectNum {
		return nil, errNotArithmetic
	}
	return tokens, nil
}

// evalArith evaluates an infix expression with * and / binding tighter
// than + and -. Parenthesized grouping never reaches here; the reducer has
// already eliminated parentheses.
func evalArith(s string) (float64, error) {
	tokens, err := tokenizeArith(s)
	if err != nil {
		return 0, err
	}

	// First pass: collapse * and /.
	var reduced []arithToken
	reduced = append(reduced, tokens[0])
	for i := 1; i < len(tokens); i += 2 {
		op := tokens[i].op
		rhs := tokens[i+1].num
		if op == '*' || op == '/' {
			lhs := &reduced[len(reduced)-1]
			if op == '/' {
				if rhs == 0 {
					return 0, errDivByZero
				}
				lhs.num = lhs.num / rhs
			} else {
				lhs.num = lhs.num * rhs
			}
		} else {
			reduced = append(reduced, tokens[i], tokens[i+1])
		}
	}

	// Second pass: + and - left to right.
	acc := reduced[0].num
	for i := 1; i < len(reduced); i += 2 {
		if reduced[i].op == '+' {
			acc += reduced[i+1].num
		} else {
			acc -= reduced[i+1].num
		}
	}
	return acc, nil
}

// formatNumber renders a float the way formula results expect: no trailing
// zeros, no exponent notation for typical magnitudes.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
