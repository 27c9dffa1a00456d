package flagship

import (
	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

// Error is the error type returned by the SDK.
type Error = apierr.Error

// ErrorCode classifies an Error.
type ErrorCode = apierr.Code

const (
	ErrNetwork          = apierr.CodeNetwork
	ErrTimeout          = apierr.CodeTimeout
	ErrConnectionFailed = apierr.CodeConnectionFailed
	ErrServer           = apierr.CodeServerError
	ErrRateLimited      = apierr.CodeRateLimited
	ErrInvalidKey       = apierr.CodeInvalidKey
	ErrMissingKey       = apierr.CodeMissingKey
	ErrPermissionDenied = apierr.CodePermissionDenied
	ErrNotFound         = apierr.CodeNotFound
	ErrBadRequest       = apierr.CodeBadRequest
	ErrInvalidResponse  = apierr.CodeBadPayload
	ErrCircuitOpen      = apierr.CodeCircuitOpen
	ErrConfigInvalid    = apierr.CodeConfigInvalid
	ErrStorage          = apierr.CodeStorageError
	ErrStream           = apierr.CodeStreamError
	ErrClosed           = apierr.CodeClosed
	ErrOffline          = apierr.CodeOffline
)

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool { return apierr.IsCode(err, code) }

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool { return apierr.IsRetryable(err) }
