package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/models"
	"stepflow/pkg/template"
)

func conditionResolver() *template.Resolver {
	ec := models.NewExecContext(uuid.New(), uuid.New())
	ec.Variables = map[string]any{"env": "production"}
	ec.Steps["check"] = models.StepOutput{
		StepID: "check",
		Status: models.StepSuccess,
		Output: map[string]any{"status_code": float64(200), "retryable": true},
	}
	return template.NewResolver(ec)
}

func TestConditionLiterals(t *testing.T) {
	r := conditionResolver()

	run, err := EvaluateCondition("", r)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = EvaluateCondition("true", r)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = EvaluateCondition("false", r)
	require.NoError(t, err)
	assert.False(t, run)
}

func TestConditionDefined(t *testing.T) {
	r := conditionResolver()

	run, err := EvaluateCondition("defined({{steps.check.status_code}})", r)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = EvaluateCondition("defined(steps.check.status_code)", r)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = EvaluateCondition("defined({{steps.missing.output}})", r)
	require.NoError(t, err)
	assert.False(t, run)
}

func TestConditionEquality(t *testing.T) {
	r := conditionResolver()

	run, err := EvaluateCondition("{{steps.check.status_code}} == 200", r)
	require.NoError(t, err)
	assert.True(t, run)

	run, err = EvaluateCondition("{{env}} == 'staging'", r)
	require.NoError(t, err)
	assert.False(t, run)

	run, err = EvaluateCondition("{{env}} != \"staging\"", r)
	require.NoError(t, err)
	assert.True(t, run)
}

func TestConditionUndefinedReferenceIsError(t *testing.T) {
	r := conditionResolver()

	_, err := EvaluateCondition("{{steps.missing.code}} == 200", r)
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrUndefinedReference)
}

func TestConditionUnsupportedExpression(t *testing.T) {
	r := conditionResolver()

	_, err := EvaluateCondition("{{steps.check.status_code}} > 100", r)
	assert.Error(t, err)

	_, err = EvaluateCondition("defined({{env}}", r)
	assert.Error(t, err)
}
