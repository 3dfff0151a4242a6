package handlers

// Stable error codes carried in ErrorResponse.Code. Clients branch on the
// code; the message is for humans.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeListFailed reports a storage failure while reading history.
	ErrCodeListFailed = "list_failed"
)
