package template

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/models"
)

func testContext() *models.ExecContext {
	ec := models.NewExecContext(uuid.New(), uuid.New())
	ec.Variables = map[string]any{
		"api_base": "https://api.example.com",
		"limits":   map[string]any{"max": float64(50)},
	}
	ec.Steps["fetch"] = models.StepOutput{
		StepID: "fetch",
		Status: models.StepSuccess,
		Output: map[string]any{
			"status_code": float64(200),
			"body": map[string]any{
				"items": []any{
					map[string]any{"id": "a-1"},
					map[string]any{"id": "a-2"},
				},
			},
		},
	}
	ec.Webhook = &models.WebhookData{
		Payload:     map[string]any{"order_id": "ord-42"},
		Headers:     map[string]string{"X-Request-Id": "req-7"},
		QueryParams: map[string]string{"dry_run": "true"},
	}
	return ec
}

func TestResolveStepOutputPath(t *testing.T) {
	r := NewResolver(testContext())

	out, err := r.Resolve("item={{steps.fetch.body.items.1.id}}")
	require.NoError(t, err)
	assert.Equal(t, "item=a-2", out)
}

func TestResolveWebhookRoots(t *testing.T) {
	r := NewResolver(testContext())

	out, err := r.Resolve("{{webhook.payload.order_id}}/{{webhook.headers.X-Request-Id}}/{{webhook.query_params.dry_run}}")
	require.NoError(t, err)
	assert.Equal(t, "ord-42/req-7/true", out)
}

func TestResolveVariable(t *testing.T) {
	r := NewResolver(testContext())

	out, err := r.Resolve("{{api_base}}/orders")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/orders", out)
}

func TestResolveReportsAllMissingReferences(t *testing.T) {
	r := NewResolver(testContext())

	_, err := r.Resolve("{{steps.nope.id}} and {{missing_var}}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndefinedReference)
	assert.Contains(t, err.Error(), "steps.nope.id")
	assert.Contains(t, err.Error(), "missing_var")
}

func TestResolveInputBlamesOnlyUndefinedReferences(t *testing.T) {
	r := NewResolver(testContext())

	_, err := r.ResolveInput(map[string]any{
		"url": "{{api_base}}/orders/{{steps.nope.id}}",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndefinedReference)
	assert.Contains(t, err.Error(), "steps.nope.id")
	assert.NotContains(t, err.Error(), "api_base")
}

func TestResolveValuePreservesType(t *testing.T) {
	r := NewResolver(testContext())

	v, err := r.ResolveValue("{{steps.fetch.status_code}}")
	require.NoError(t, err)
	assert.Equal(t, float64(200), v)

	// Mixed content falls back to string interpolation.
	s, err := r.ResolveValue("code={{steps.fetch.status_code}}")
	require.NoError(t, err)
	assert.Equal(t, "code=200", s)
}

func TestResolveInputWalksNestedStructures(t *testing.T) {
	r := NewResolver(testContext())

	input := map[string]any{
		"url": "{{api_base}}/orders/{{webhook.payload.order_id}}",
		"headers": map[string]any{
			"X-Upstream": "{{webhook.headers.X-Request-Id}}",
		},
		"batch":   []any{"{{steps.fetch.body.items.0.id}}", "literal"},
		"timeout": 30,
		"max":     "{{limits.max}}",
	}

	out, err := r.ResolveInput(input)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/orders/ord-42", out["url"])
	assert.Equal(t, "req-7", out["headers"].(map[string]any)["X-Upstream"])
	assert.Equal(t, "a-1", out["batch"].([]any)[0])
	assert.Equal(t, 30, out["timeout"])
	assert.Equal(t, float64(50), out["max"])
}

func TestExtract(t *testing.T) {
	refs := Extract("{{ a }} then {{steps.x.y}}")
	assert.Equal(t, []string{"a", "steps.x.y"}, refs)
}

func TestLookupMissingSegments(t *testing.T) {
	r := NewResolver(testContext())

	_, ok := r.Lookup("steps.fetch.body.items.9.id")
	assert.False(t, ok)

	_, ok = r.Lookup("webhook.headers.Nope")
	assert.False(t, ok)

	_, ok = r.Lookup("limits.min")
	assert.False(t, ok)
}
