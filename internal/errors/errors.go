package errors

import "net/http"

// APIError is a request-level failure that already knows which HTTP status
// it maps to. MapLicenseError carries its status and message through to the
// problem-details response instead of collapsing it into a 500.
type APIError struct {
	StatusCode int
	Message    string
	Details    interface{}
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// InvalidRequestWithError wraps a malformed request, keeping the decoder or
// validator message as response detail.
func InvalidRequestWithError(err error) *APIError {
	return &APIError{
		StatusCode: http.StatusBadRequest,
		Message:    "Invalid request format",
		Details:    err.Error(),
	}
}
