package capability

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/rendis/sitegraph/pkg/schema"
)

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(operation string, status int, msg string) *schema.SitegraphError {
	code := schema.ErrCodeProvider
	switch {
	case status == http.StatusTooManyRequests:
		code = schema.ErrCodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = schema.ErrCodeAuthInvalid
	}
	return schema.NewErrorf(code, "%s: %s", operation, msg).
		WithDetails(map[string]any{"status": status})
}

// classify wraps an error returned by a provider SDK or transport.
// Cancellation and already classified errors pass through unchanged.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sgErr *schema.SitegraphError
	if errors.As(err, &sgErr) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(operation, apiErr.HTTPStatusCode, apiErr.Message).WithCause(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(operation, reqErr.HTTPStatusCode, reqErr.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeProvider, "%s: %s", operation, err.Error()).WithCause(err)
}
