package domain

// Stable error codes surfaced to callers and logs.
const (
	CodeConfigMissingDeviceURL = "CONFIG_MISSING_DEVICE_URL"
	CodeRendererUnreachable    = "RENDERER_UNREACHABLE"
	CodeServiceNotFound        = "SERVICE_NOT_FOUND"
	CodeActionFailed           = "ACTION_FAILED"
	CodeChainCreateFailed      = "CHAIN_CREATE_FAILED"
	CodeNoEligibleTracks       = "NO_ELIGIBLE_TRACKS"
	CodeAddressUnavailable     = "ADDRESS_UNAVAILABLE"
	CodeConsentDeclined        = "CONSENT_DECLINED"
	CodeUnknownTrack           = "UNKNOWN_TRACK"
	CodeTrackNotBound          = "TRACK_NOT_BOUND"
	CodeVideoUnsupported       = "VIDEO_UNSUPPORTED"
	CodeInternal               = "INTERNAL_ERROR"
)

// CastError is the error type crossing package boundaries inside castout.
// Code is stable and machine-matchable; Message is for humans; Err, when
// set, preserves the underlying transport or system error for diagnostics.
type CastError struct {
	Code    string
	Message string
	Err     error
}

func (e *CastError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *CastError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a CastError without an underlying cause.
func NewError(code, message string) *CastError {
	return &CastError{Code: code, Message: message}
}

// WrapError builds a CastError preserving an underlying cause.
func WrapError(code, message string, err error) *CastError {
	return &CastError{Code: code, Message: message, Err: err}
}

// ErrorCode extracts the castout code from err, or CodeInternal when err
// is not a CastError.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for {
		if ce, ok := err.(*CastError); ok {
			return ce.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return CodeInternal
		}
		err = u.Unwrap()
		if err == nil {
			return CodeInternal
		}
	}
}
