package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ConfigError aggregates every validation problem found while assembling a
// RoutingTable. It never short-circuits on the first problem (§4.1).
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config assembly failed with %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// HTTPStatusCode reports ConfigError as an internal failure; it is fatal at
// startup and rejects reloads rather than reaching a client.
func (e *ConfigError) HTTPStatusCode() int { return http.StatusInternalServerError }

// NewConfigError builds a ConfigError from a non-empty problem list. Callers
// must not call this with an empty slice; use len(problems) == 0 to decide
// assembly succeeded instead.
func NewConfigError(problems []string) *ConfigError {
	return &ConfigError{Problems: problems}
}

// routingError is the shared shape for the request-lifecycle error taxonomy
// of §7: a stable machine-readable Code, a client status, and a message that
// never embeds secrets.
type routingError struct {
	code       string
	statusCode int
	message    string
}

func (e *routingError) Error() string   { return e.message }
func (e *routingError) Code() string    { return e.code }
func (e *routingError) HTTPStatusCode() int { return e.statusCode }

// NoPipelineForCategoryError: no pipelines configured for the classified
// category, and none for default either (§4.2, §7).
type NoPipelineForCategoryError struct{ routingError }

func NewNoPipelineForCategoryError(category string) *NoPipelineForCategoryError {
	return &NoPipelineForCategoryError{routingError{
		code:       "no_pipeline_for_category",
		statusCode: http.StatusServiceUnavailable,
		message:    fmt.Sprintf("no pipeline configured for category %q (and none for default)", category),
	}}
}

// NoEligiblePipelineError: every candidate pipeline is unavailable —
// unhealthy, blacklisted, or its key slot saturated (§4.3, §7).
type NoEligiblePipelineError struct{ routingError }

func NewNoEligiblePipelineError(category string) *NoEligiblePipelineError {
	return &NoEligiblePipelineError{routingError{
		code:       "no_eligible_pipeline",
		statusCode: http.StatusServiceUnavailable,
		message:    fmt.Sprintf("no eligible pipeline for category %q: all candidates unhealthy, blacklisted, or saturated", category),
	}}
}

// UnsupportedMessageRoleError: a message role could not be translated
// between dialects (§4.4, §7).
type UnsupportedMessageRoleError struct{ routingError }

func NewUnsupportedMessageRoleError(role string) *UnsupportedMessageRoleError {
	return &UnsupportedMessageRoleError{routingError{
		code:       "unsupported_message_role",
		statusCode: http.StatusBadRequest,
		message:    fmt.Sprintf("unsupported message role %q", role),
	}}
}

// MalformedToolDefinitionError: a tool entry lacked a usable name/schema and
// could not be repaired (§4.4, §7).
type MalformedToolDefinitionError struct{ routingError }

func NewMalformedToolDefinitionError(detail string) *MalformedToolDefinitionError {
	return &MalformedToolDefinitionError{routingError{
		code:       "malformed_tool_definition",
		statusCode: http.StatusBadRequest,
		message:    fmt.Sprintf("malformed tool definition: %s", detail),
	}}
}

// ResponseSchemaInvalidError: upstream returned malformed JSON, or JSON
// missing a required field such as `choices` (§4.4, §4.7, §7).
type ResponseSchemaInvalidError struct{ routingError }

func NewResponseSchemaInvalidError(detail string) *ResponseSchemaInvalidError {
	return &ResponseSchemaInvalidError{routingError{
		code:       "response_schema_invalid",
		statusCode: http.StatusBadGateway,
		message:    fmt.Sprintf("upstream response schema invalid: %s", detail),
	}}
}

// UpstreamOutcomeError wraps a classified upstream HTTP outcome for
// propagation to the client after retries are exhausted (§4.7, §7).
type UpstreamOutcomeError struct {
	routingError
	Outcome string // one of rateLimited429 | timeout | transientError | fatalError
}

func NewUpstream429Error(message string) *UpstreamOutcomeError {
	return &UpstreamOutcomeError{
		routingError{code: "upstream_rate_limited", statusCode: http.StatusBadGateway, message: message},
		"rateLimited429",
	}
}

func NewUpstreamTimeoutError(message string) *UpstreamOutcomeError {
	return &UpstreamOutcomeError{
		routingError{code: "upstream_timeout", statusCode: http.StatusGatewayTimeout, message: message},
		"timeout",
	}
}

func NewUpstreamTransientError(message string) *UpstreamOutcomeError {
	return &UpstreamOutcomeError{
		routingError{code: "upstream_transient_error", statusCode: http.StatusBadGateway, message: message},
		"transientError",
	}
}

func NewUpstreamFatalError(message string) *UpstreamOutcomeError {
	return &UpstreamOutcomeError{
		routingError{code: "upstream_fatal_error", statusCode: http.StatusBadGateway, message: message},
		"fatalError",
	}
}

// ErrorBody is the client-visible error shape required by §7:
// {type, message, code}.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ToErrorBody converts any error from this package's taxonomy (or a plain
// error) into the client-visible shape, defaulting to a 500 for unrecognized
// error values.
func ToErrorBody(err error) (ErrorBody, int) {
	type coder interface {
		Code() string
		HTTPStatusCode() int
		Error() string
	}
	if c, ok := err.(coder); ok {
		return ErrorBody{Type: c.Code(), Message: c.Error(), Code: c.HTTPStatusCode()}, c.HTTPStatusCode()
	}
	if le, ok := err.(*LLMError); ok {
		return ErrorBody{Type: le.Type, Message: le.Message, Code: le.HTTPStatusCode()}, le.HTTPStatusCode()
	}
	return ErrorBody{Type: "internal_error", Message: err.Error(), Code: http.StatusInternalServerError}, http.StatusInternalServerError
}
