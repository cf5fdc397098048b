package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of failure inside the acquisition layer.
type Code string

const (
	// Transport failures (retried automatically)
	CodeNetwork      Code = "NETWORK_ERROR"
	CodeTimeout      Code = "TIMEOUT"
	CodeUpstream5xx  Code = "UPSTREAM_UNAVAILABLE"
	CodeUpstream4xx  Code = "UPSTREAM_REJECTED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeHighDemand   Code = "HIGH_DEMAND"

	// Local admission control (never retried immediately)
	CodeRateLimited Code = "RATE_LIMITED"

	// Payload problems (trigger fallback, never retried against the same response)
	CodeMalformedPayload   Code = "MALFORMED_PAYLOAD"
	CodeImplausiblePayload Code = "IMPLAUSIBLE_PAYLOAD"
	CodeEmptyPayload       Code = "EMPTY_PAYLOAD"

	// Security violations (fail closed, no fallback)
	CodeDomainNotAllowed Code = "DOMAIN_NOT_ALLOWED"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
)

// Severity classifies operational impact for logging and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the typed error carried through the acquisition layer. The
// CustomerMessage is the only text allowed to reach a caller when
// customer-facing mode is enabled; Cause and Details stay in the logs.
type Error struct {
	Code            Code      `json:"code"`
	Message         string    `json:"message"`
	CustomerMessage string    `json:"customer_message"`
	Severity        Severity  `json:"severity"`
	Endpoint        string    `json:"endpoint,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Cause           error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error with severity and customer message derived
// from the code.
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:            code,
		Message:         message,
		CustomerMessage: customerMessageFor(code),
		Severity:        severityFor(code),
		Timestamp:       time.Now(),
		Cause:           cause,
	}
}

// WithEndpoint tags the error with the logical endpoint it occurred on.
func (e *Error) WithEndpoint(endpoint string) *Error {
	e.Endpoint = endpoint
	return e
}

// WithRequestID tags the error with the originating request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// IsTransport reports whether the error is a transport failure eligible
// for automatic retry.
func (e *Error) IsTransport() bool {
	switch e.Code {
	case CodeNetwork, CodeTimeout, CodeUpstream5xx:
		return true
	}
	return false
}

// IsValidation reports whether the error came from payload validation.
func (e *Error) IsValidation() bool {
	switch e.Code {
	case CodeMalformedPayload, CodeImplausiblePayload, CodeEmptyPayload:
		return true
	}
	return false
}

// IsSecurity reports whether the error is a security violation. Security
// errors fail closed: they are never retried and never fall back, since
// they indicate misconfiguration rather than transient failure.
func (e *Error) IsSecurity() bool {
	switch e.Code {
	case CodeDomainNotAllowed, CodePayloadTooLarge:
		return true
	}
	return false
}

// IsRateLimited reports whether the request was denied by local
// admission control before any network call.
func (e *Error) IsRateLimited() bool {
	return e.Code == CodeRateLimited
}

// Retryable reports whether an automatic retry may help.
func (e *Error) Retryable() bool {
	return e.IsTransport()
}

// HTTPStatus maps the error to a status code for the admin API.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited, CodeHighDemand:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeDomainNotAllowed, CodePayloadTooLarge:
		return http.StatusForbidden
	case CodeMalformedPayload, CodeImplausiblePayload, CodeEmptyPayload:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// FromHTTPStatus builds a typed error from an upstream HTTP status.
func FromHTTPStatus(status int, endpoint string) *Error {
	var code Code
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeHighDemand
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status >= 500:
		code = CodeUpstream5xx
	default:
		code = CodeUpstream4xx
	}
	return New(code, fmt.Sprintf("upstream returned HTTP %d", status), nil).WithEndpoint(endpoint)
}

// As extracts a typed error from an error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CustomerMessage returns the sanitized message for any error. Unknown
// error types get the generic connectivity message so raw upstream
// details never leak to callers.
func CustomerMessage(err error) string {
	if e := As(err); e != nil && e.CustomerMessage != "" {
		return e.CustomerMessage
	}
	return "We're having trouble reaching live prices. Please try again in a moment."
}

func customerMessageFor(code Code) string {
	switch code {
	case CodeHighDemand, CodeRateLimited:
		return "Live prices are in high demand right now. Please try again shortly."
	case CodeUpstream5xx, CodeTimeout:
		return "Price data is temporarily unavailable. Showing the latest saved values."
	case CodeNotFound:
		return "That price is not available right now."
	case CodeDomainNotAllowed, CodePayloadTooLarge:
		return "This request could not be completed."
	case CodeMalformedPayload, CodeImplausiblePayload, CodeEmptyPayload:
		return "We received unusual price data and are showing verified values instead."
	default:
		return "We're having trouble reaching live prices. Please try again in a moment."
	}
}

func severityFor(code Code) Severity {
	switch code {
	case CodeDomainNotAllowed, CodePayloadTooLarge:
		return SeverityCritical
	case CodeUpstream5xx, CodeTimeout, CodeNetwork:
		return SeverityHigh
	case CodeMalformedPayload, CodeImplausiblePayload, CodeEmptyPayload:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
