package translator

import "fmt"

// ValidationError reports a malformed inbound request. It maps to an HTTP
// 400 at the request boundary.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamFormatError reports a backend payload that could not be understood
// (unparseable JSON or an empty choice list). It maps to an HTTP 502 and is
// never silently defaulted.
type UpstreamFormatError struct {
	Message string
}

func (e *UpstreamFormatError) Error() string {
	return e.Message
}

func upstreamFormatErrorf(format string, args ...any) *UpstreamFormatError {
	return &UpstreamFormatError{Message: fmt.Sprintf(format, args...)}
}
