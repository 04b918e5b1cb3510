package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"stepflow/pkg/logger"
	"stepflow/pkg/models"
	"stepflow/pkg/resilience"
)

// HTTPExecutor performs HTTP steps. Retries belong to the step attempt loop,
// so the client itself never retries; the circuit breaker is keyed by target
// host so every step hitting the same upstream shares failure history.
type HTTPExecutor struct {
	client   *resty.Client
	breakers *resilience.Registry
	log      *zap.Logger
}

func NewHTTPExecutor(breakers *resilience.Registry) *HTTPExecutor {
	return &HTTPExecutor{
		client:   resty.New().SetRetryCount(0),
		breakers: breakers,
		log:      logger.Get().With(zap.String("executor", "http")),
	}
}

func (e *HTTPExecutor) Type() models.StepType { return models.StepTypeHTTP }

// Execute input:
//
//	url     (required)
//	method  GET when absent
//	headers map of header name to value
//	body    JSON-encodable value, sent as the request body
//
// Output: status_code, headers, body (decoded JSON when possible, raw string
// otherwise).
func (e *HTTPExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	rawURL, err := requireString(input, "url")
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, Permanent(fmt.Errorf("invalid url %q", rawURL))
	}

	method := "GET"
	if m, ok := stringInput(input, "method"); ok && m != "" {
		method = strings.ToUpper(m)
	}

	req := e.client.R().SetContext(ctx)
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprintf("%v", v))
		}
	}
	if body, ok := input["body"]; ok {
		req.SetBody(body)
	}

	var resp *resty.Response
	breaker := e.breakers.Get(target.Host)
	err = breaker.Execute(ctx, func() error {
		var reqErr error
		resp, reqErr = req.Execute(method, rawURL)
		if reqErr != nil {
			return reqErr
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, rawURL, err)
	}

	status := resp.StatusCode()
	output := map[string]any{
		"status_code": status,
		"headers":     flattenHeaders(resp),
		"body":        decodeBody(resp.Body()),
	}

	if status >= 400 {
		// Client errors are definition problems; 408 and 429 are worth
		// another attempt.
		reqErr := fmt.Errorf("http %s %s: status %d", method, rawURL, status)
		if status == 408 || status == 429 {
			return output, reqErr
		}
		return output, Permanent(reqErr)
	}
	return output, nil
}

func flattenHeaders(resp *resty.Response) map[string]any {
	out := make(map[string]any, len(resp.Header()))
	for k := range resp.Header() {
		out[k] = resp.Header().Get(k)
	}
	return out
}

func decodeBody(body []byte) any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
