package handlers

// Error codes carried in ErrorResponse.Code. Gate decisions are never
// errors: a rejected send is a 200 with allowed=false and its reason code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	ErrCodeDuplicateSend    = "duplicate_send"
	ErrCodeInvalidOutcome   = "invalid_outcome"
	ErrCodeRecordFailed     = "record_failed"
	ErrCodeQueueUnavailable = "queue_unavailable"
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeListFailed       = "list_failed"
)
