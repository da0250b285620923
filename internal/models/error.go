package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeTurnInFlight     = "TURN_IN_FLIGHT"
	ErrCodeDeployInFlight   = "DEPLOY_IN_FLIGHT"
	ErrCodeNoDocument       = "NO_DOCUMENT"
	ErrCodeVariableNotFound = "VARIABLE_NOT_FOUND"
	ErrCodeBackendFailed    = "BACKEND_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
)
