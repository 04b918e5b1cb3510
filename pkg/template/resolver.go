package template

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"stepflow/pkg/models"
)

// refPattern matches {{ ... }} placeholders. The inner expression is a
// dotted path into the execution context.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ErrUndefinedReference wraps one or more unresolvable references. The
// message names every missing reference so a failed step reports them all
// at once instead of one per attempt.
var ErrUndefinedReference = errors.New("undefined reference")

// Resolver substitutes {{...}} references against an execution context.
// Supported roots:
//
//	steps.<step-id>.<path>    output of a completed step
//	webhook.payload.<path>    webhook body field
//	webhook.headers.<name>    webhook header
//	webhook.query_params.<name>
//	<name>                    variable (job scope shadowing global)
type Resolver struct {
	ec *models.ExecContext
}

func NewResolver(ec *models.ExecContext) *Resolver {
	return &Resolver{ec: ec}
}

// Extract returns the inner expressions of every placeholder in s, in order.
func Extract(s string) []string {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// Lookup resolves a single dotted reference. The second return is false when
// any segment of the path is missing.
func (r *Resolver) Lookup(ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}

	switch parts[0] {
	case "steps":
		if len(parts) < 2 {
			return nil, false
		}
		step, ok := r.ec.Steps[parts[1]]
		if !ok {
			return nil, false
		}
		return traverse(step.Output, parts[2:])
	case "webhook":
		if r.ec.Webhook == nil || len(parts) < 2 {
			return nil, false
		}
		switch parts[1] {
		case "payload":
			return traverse(r.ec.Webhook.Payload, parts[2:])
		case "headers":
			if len(parts) != 3 {
				return nil, false
			}
			v, ok := r.ec.Webhook.Headers[parts[2]]
			return v, ok
		case "query_params":
			if len(parts) != 3 {
				return nil, false
			}
			v, ok := r.ec.Webhook.QueryParams[parts[2]]
			return v, ok
		}
		return nil, false
	default:
		v, ok := r.ec.Variables[parts[0]]
		if !ok {
			return nil, false
		}
		return traverse(v, parts[1:])
	}
}

// Resolve substitutes every placeholder in s. All references are checked
// before any error returns, so the error lists the full set of undefined
// references.
func (r *Resolver) Resolve(s string) (string, error) {
	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := r.Lookup(ref)
		if !ok {
			missing = append(missing, ref)
			return m
		}
		return stringify(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUndefinedReference, strings.Join(missing, ", "))
	}
	return out, nil
}

// ResolveValue behaves like Resolve but preserves the native type when the
// whole string is exactly one placeholder, so step inputs can pass numbers,
// maps and lists through without flattening them to strings.
func (r *Resolver) ResolveValue(s string) (any, error) {
	v, missing := r.resolveString(s)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedReference, strings.Join(missing, ", "))
	}
	return v, nil
}

// resolveString resolves one string and reports exactly the references that
// failed, so callers never blame a reference that did resolve.
func (r *Resolver) resolveString(s string) (any, []string) {
	trimmed := strings.TrimSpace(s)
	if m := refPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, ok := r.Lookup(m[1])
		if !ok {
			return s, []string{m[1]}
		}
		return v, nil
	}

	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := r.Lookup(ref)
		if !ok {
			missing = append(missing, ref)
			return m
		}
		return stringify(v)
	})
	if len(missing) > 0 {
		return s, missing
	}
	return out, nil
}

// ResolveInput deep-resolves every string in a step input. Map and slice
// values are walked recursively; non-string leaves pass through untouched.
// All undefined references across the whole input are reported together.
func (r *Resolver) ResolveInput(input map[string]any) (map[string]any, error) {
	out, missing := r.resolveAny(input)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedReference, strings.Join(missing, ", "))
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (r *Resolver) resolveAny(v any) (any, []string) {
	switch t := v.(type) {
	case string:
		return r.resolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		var missing []string
		for k, val := range t {
			rv, m := r.resolveAny(val)
			out[k] = rv
			missing = append(missing, m...)
		}
		return out, missing
	case []any:
		out := make([]any, len(t))
		var missing []string
		for i, val := range t {
			rv, m := r.resolveAny(val)
			out[i] = rv
			missing = append(missing, m...)
		}
		return out, missing
	default:
		return v, nil
	}
}

// traverse walks a decoded JSON value by path segments. Numeric segments
// index into arrays.
func traverse(v any, parts []string) (any, bool) {
	for _, p := range parts {
		switch t := v.(type) {
		case map[string]any:
			next, ok := t[p]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			v = t[i]
		default:
			return nil, false
		}
	}
	return v, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
