package tanda

import "errors"

// Error kinds. Every condition error below unwraps to exactly one of these.
var (
	ErrValidation    = errors.New("tanda: validation error")
	ErrState         = errors.New("tanda: state error")
	ErrAuthorization = errors.New("tanda: authorization error")
	ErrLedger        = errors.New("tanda: ledger error")
	ErrConfiguration = errors.New("tanda: configuration error")
)

// Error is a precondition failure with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
	kind    error
}

func (e *Error) Error() string { return "tanda: " + e.Message }

// Unwrap exposes the error kind to errors.Is.
func (e *Error) Unwrap() error { return e.kind }

// Kind returns the kind sentinel.
func (e *Error) Kind() error { return e.kind }

func newError(kind error, code, msg string) *Error {
	return &Error{Code: code, Message: msg, kind: kind}
}

var (
	ErrTooFewParticipants      = newError(ErrValidation, "too_few_participants", "at least two participants required")
	ErrNonPositiveContribution = newError(ErrValidation, "invalid_contribution", "contribution amount must be positive")
	ErrNonPositiveGuarantee    = newError(ErrValidation, "invalid_guarantee", "guarantee amount must be positive")
	ErrGuaranteeTooLow         = newError(ErrValidation, "guarantee_too_low", "guarantee deposit below required amount")
	ErrEmptyPayment            = newError(ErrValidation, "empty_payment", "payment amount must be positive")
	ErrUnknownWithdrawalType   = newError(ErrValidation, "invalid_withdrawal_type", "unknown withdrawal type")

	ErrWrongPhase = newError(ErrState, "wrong_phase", "operation not allowed in current phase")

	ErrNotParticipant       = newError(ErrAuthorization, "not_participant", "caller is not a participant")
	ErrWrongTurn            = newError(ErrAuthorization, "wrong_turn", "wrong turn")
	ErrCapabilityMismatch   = newError(ErrAuthorization, "capability_mismatch", "admin capability not bound to this tanda")
	ErrCapabilityNotOwned   = newError(ErrAuthorization, "capability_not_owned", "caller does not hold the admin capability")
	ErrAdminCapUnknown      = newError(ErrAuthorization, "capability_unknown", "admin capability not found")
	ErrGuaranteeAlreadyPaid = newError(ErrLedger, "guarantee_already_paid", "guarantee already paid")
	ErrRoundAlreadyPaid     = newError(ErrLedger, "round_already_paid", "round already complete for this participant")
	ErrRoundIncomplete      = newError(ErrLedger, "round_incomplete", "round not complete")
	ErrInsufficientBalance  = newError(ErrLedger, "insufficient_balance", "insufficient balance")

	ErrVaultNotConfigured = newError(ErrConfiguration, "invalid_vault", "invalid vault address")
)

// Code extracts the stable code from err, or "" when err is not a tanda
// condition error.
func Code(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
