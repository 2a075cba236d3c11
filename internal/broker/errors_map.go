package broker

import (
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
)

// wireErrorTable is the fixed mapping from broker error codes to pipeline
// error kinds. Codes absent from the table are fatal: an unknown failure
// must not be retried blindly.
var wireErrorTable = map[string]pkgerrors.ErrorCode{
	"THROTTLED":      pkgerrors.ErrCodeThrottled,
	"PACING":         pkgerrors.ErrCodeThrottled,
	"TIMEOUT":        pkgerrors.ErrCodeRequestTimeout,
	"NETWORK":        pkgerrors.ErrCodeSessionDegraded,
	"AUTH_FAILED":    pkgerrors.ErrCodeAuthenticationFail,
	"MALFORMED":      pkgerrors.ErrCodeMalformedRequest,
	"UNKNOWN_SYMBOL": pkgerrors.ErrCodeUnknownSymbol,
	"NO_DATA":        pkgerrors.ErrCodeMissingRange,
}

// mapWireError converts a broker error frame into a coded error.
func mapWireError(frame Frame) error {
	code, ok := wireErrorTable[frame.ErrorCode]
	if !ok {
		return pkgerrors.Newf(pkgerrors.ErrCodeUnknown, "broker error %s: %s", frame.ErrorCode, frame.Message)
	}

	return pkgerrors.Newf(code, "broker error %s: %s", frame.ErrorCode, frame.Message)
}
