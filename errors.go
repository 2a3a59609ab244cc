package identityd

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a standard OAuth 2.0 error code.
type ErrorCode string

const (
	ErrCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrCodeUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrCodeAccessDenied            ErrorCode = "access_denied"
	ErrCodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrCodeInvalidScope            ErrorCode = "invalid_scope"
	ErrCodeInvalidGrant            ErrorCode = "invalid_grant"
	ErrCodeInvalidClient           ErrorCode = "invalid_client"
	ErrCodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrCodeServerError             ErrorCode = "server_error"
)

// Error is an OAuth protocol error carried from the endpoints to the HTTP
// layer. Status is the HTTP status for direct (non-redirect) delivery.
type Error struct {
	Code        ErrorCode
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds an *Error with the conventional HTTP status for the code:
// 401 for invalid_client, 500 for server_error, 400 otherwise.
func NewError(code ErrorCode, description string) *Error {
	status := http.StatusBadRequest
	switch code {
	case ErrCodeInvalidClient:
		status = http.StatusUnauthorized
	case ErrCodeServerError:
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Description: description, Status: status}
}

// AsError unwraps err into an *Error if it carries one.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Grant store sentinels. The token endpoint maps all three to invalid_grant;
// replay and expiry are never escalated to server_error.
var (
	ErrGrantNotFound = errors.New("identityd: grant not found")
	ErrGrantExpired  = errors.New("identityd: grant expired")
	ErrGrantConsumed = errors.New("identityd: grant already consumed")
)
