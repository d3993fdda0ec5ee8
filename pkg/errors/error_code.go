package errors

// ErrorCode identifies a failure kind.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = 1

	// Validation
	ErrCodeInvalidParameter ErrorCode = 100
	ErrCodeConfig           ErrorCode = 101

	// Lookup
	ErrCodeNotFound ErrorCode = 200

	// Data
	ErrCodeDataInsufficient ErrorCode = 300
	ErrCodeOutOfOrder       ErrorCode = 301

	// Concurrency
	ErrCodeConcurrencyViolation ErrorCode = 400

	// Budget
	ErrCodeBudgetExceeded ErrorCode = 500

	// External
	ErrCodeExternalFailure ErrorCode = 600
	ErrCodeQueueFull       ErrorCode = 601
)

// Kind returns the taxonomy name used in error events.
func (c ErrorCode) Kind() string {
	switch {
	case c == ErrCodeConfig:
		return "config_error"
	case c >= 100 && c < 200:
		return "invalid_parameter"
	case c >= 200 && c < 300:
		return "not_found"
	case c >= 300 && c < 400:
		return "data_insufficient"
	case c >= 400 && c < 500:
		return "concurrency_violation"
	case c >= 500 && c < 600:
		return "budget_exceeded"
	case c >= 600 && c < 700:
		return "external_failure"
	default:
		return "unknown"
	}
}
