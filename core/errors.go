package core

import "errors"

// Stable error codes surfaced on metrics and health streams.
var (
	// ErrNonceLockTimeout is returned when a per-chain nonce lock could not
	// be acquired within its absolute deadline.
	ErrNonceLockTimeout = errors.New("ERR_NONCE_LOCK_TIMEOUT")

	// ErrGasSpike aborts a transaction whose gas price exceeds the spike
	// threshold relative to the chain baseline, either pre-flight or at the
	// pre-submission refresh.
	ErrGasSpike = errors.New("ERR_GAS_SPIKE")

	// ErrDuplicateCommitment is returned when the commit-reveal atomic
	// set-if-absent finds an existing record for the same parameters.
	ErrDuplicateCommitment = errors.New("ERR_DUPLICATE_COMMITMENT")

	// ErrNoProvider is returned when an operation needs a chain RPC client
	// and none is registered.
	ErrNoProvider = errors.New("ERR_NO_PROVIDER")
)

// Risk pipeline rejection reasons.
const (
	RejectDrawdownHalt = "DRAWDOWN_HALT"
	RejectLowEV        = "LOW_EV"
	RejectPositionSize = "POSITION_SIZE"
)

// Structural validation rejection reasons, recorded on dead-letter entries.
const (
	ValidationMissingField = "ERR_VALIDATION_MISSING_FIELD"
	ValidationInvalidType  = "ERR_VALIDATION_INVALID_TYPE"
	ValidationExpired      = "ERR_VALIDATION_EXPIRED"
	ValidationBadAmount    = "ERR_VALIDATION_BAD_AMOUNT"
	ValidationBadExpiry    = "ERR_VALIDATION_BAD_EXPIRY"
)
