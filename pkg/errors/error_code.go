package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown           ErrorCode = 1
	ErrCodeInternalInvariant ErrorCode = 2

	// Configuration errors (100-199)
	ErrCodeConfigInvalid      ErrorCode = 100
	ErrCodeConfigUnknownField ErrorCode = 101
	ErrCodeConfigCrossField   ErrorCode = 102
	ErrCodeInvalidParameter   ErrorCode = 103
	ErrCodeMissingParameter   ErrorCode = 104
	ErrCodeInvalidTimeframe   ErrorCode = 105
	ErrCodeInvalidStrategy    ErrorCode = 106

	// Session errors (200-299)
	ErrCodeSessionUnavailable   ErrorCode = 200
	ErrCodeSessionDegraded      ErrorCode = 201
	ErrCodeAuthenticationFail   ErrorCode = 202
	ErrCodeHandshakeFailed      ErrorCode = 203
	ErrCodeProbeFailed          ErrorCode = 204
	ErrCodeProtocolMismatch     ErrorCode = 205
	ErrCodeUnknownSymbol        ErrorCode = 206
	ErrCodeMalformedRequest     ErrorCode = 207
	ErrCodeResponseUncorrelated ErrorCode = 208

	// Governor errors (300-399)
	ErrCodeThrottled        ErrorCode = 300
	ErrCodeRequestTimeout   ErrorCode = 301
	ErrCodeRetriesExhausted ErrorCode = 302
	ErrCodeCancelled        ErrorCode = 303
	ErrCodeTicketNotFound   ErrorCode = 304
	ErrCodeGovernorClosed   ErrorCode = 305

	// Validation errors (400-499)
	ErrCodeBarRejected         ErrorCode = 400
	ErrCodeOHLCLogic           ErrorCode = 401
	ErrCodeOffGridTimestamp    ErrorCode = 402
	ErrCodeDuplicateTimestamp  ErrorCode = 403
	ErrCodeCrossTFInconsistent ErrorCode = 404

	// Storage errors (500-599)
	ErrCodeStoreConflict      ErrorCode = 500
	ErrCodeStoreIOError       ErrorCode = 501
	ErrCodeSchemaVersionNewer ErrorCode = 502
	ErrCodeQueryFailed        ErrorCode = 503
	ErrCodeMissingRange       ErrorCode = 504

	// Indicator errors (600-699)
	ErrCodeIndicatorWarmup        ErrorCode = 600
	ErrCodeIndicatorNotFound      ErrorCode = 601
	ErrCodeIndicatorAlreadyExists ErrorCode = 602
	ErrCodeIndicatorConfig        ErrorCode = 603

	// Simulation errors (700-799)
	ErrCodeSimulationIndeterminate ErrorCode = 700
	ErrCodeLabelWithoutBar         ErrorCode = 701

	// Pipeline errors (800-899)
	ErrCodeRunNotFound   ErrorCode = 800
	ErrCodeRunInProgress ErrorCode = 801
	ErrCodePartialRun    ErrorCode = 802
)
