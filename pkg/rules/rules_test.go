package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEval(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestEmptyExpressionPasses(t *testing.T) {
	ok, err := newEval(t).Eval("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPropertyFilter(t *testing.T) {
	e := newEval(t)
	activation := map[string]any{
		"properties": map[string]any{"lifecyclestage": "customer", "score": 80.0},
		"inputs":     map[string]any{},
		"objectType": "CONTACT",
		"workflowId": "wf-1",
	}

	ok, err := e.Eval(`properties.lifecyclestage == "customer" && properties.score > 50.0`, activation)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Eval(`objectType == "DEAL"`, activation)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadExpression(t *testing.T) {
	e := newEval(t)
	_, err := e.Eval(`properties.`, map[string]any{"properties": map[string]any{}})
	assert.ErrorIs(t, err, ErrBadExpression)
}

func TestNonBooleanRejected(t *testing.T) {
	e := newEval(t)
	_, err := e.Eval(`"hello"`, map[string]any{})
	assert.ErrorIs(t, err, ErrBadExpression)
}

func TestLengthCap(t *testing.T) {
	e := newEval(t)
	_, err := e.Eval("true && "+strings.Repeat("true && ", 300)+"true", nil)
	assert.ErrorIs(t, err, ErrBadExpression)
}

func TestProgramCacheReuse(t *testing.T) {
	e := newEval(t)
	activation := map[string]any{
		"properties": map[string]any{}, "inputs": map[string]any{},
		"objectType": "", "workflowId": "",
	}
	for i := 0; i < 3; i++ {
		ok, err := e.Eval(`objectType == ""`, activation)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, e.cache, 1)
}
