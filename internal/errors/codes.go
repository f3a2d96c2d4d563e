// Package errors defines the stable error codes surfaced by the refund API
// and the JSON envelope they travel in.
package errors

// Code is a machine-readable error identifier for frontend error handling.
type Code string

// Validation errors (malformed input).
const (
	CodeInvalidUserID      Code = "invalid_user_id"
	CodeInvalidAmount      Code = "invalid_amount"
	CodeInvalidFeePercent  Code = "invalid_fee_percent"
	CodeInvalidUserIDs     Code = "invalid_user_ids"
	CodeTooManyUserIDs     Code = "too_many_user_ids"
	CodeInvalidRequestBody Code = "invalid_request_body"
	CodeInvalidQueryParam  Code = "invalid_query_param"
)

// Not-found errors.
const (
	CodeUserNotFound   Code = "user_not_found"
	CodeTopUpNotFound  Code = "topup_not_found"
	CodeRefundNotFound Code = "refund_not_found"
)

// State conflicts (the entity exists but is in the wrong state).
const (
	CodeNothingToRefund           Code = "nothing_to_refund"
	CodeTopUpNotRefundable        Code = "topup_not_refundable"
	CodeFeeTooHigh                Code = "fee_too_high"
	CodeRefundAmountOutOfRange    Code = "refund_amount_out_of_range"
	CodeInvalidRefundAmountRange  Code = "invalid_refund_amount_range"
	CodeStripeMultipleCurrencies  Code = "stripe_multiple_currencies"
)

// Integrity conflicts (a guarded mutation lost its race or its precondition).
const (
	CodeInsufficientUserQuota Code = "insufficient_user_quota"
	CodeTopUpAlreadyUpdated   Code = "topup_already_updated"
	CodeCustomerMismatch      Code = "customer_mismatch"
	CodeNotSucceeded          Code = "not_succeeded"
)

// External failures.
const (
	CodeAggregatorError   Code = "aggregator_error"
	CodeCardProviderError Code = "card_provider_error"
	CodeSignatureInvalid  Code = "signature_verification_failed"
	CodeRefundStoreError  Code = "refund_store_error"
	CodeDatabaseError     Code = "database_error"
)

// Partial success.
const (
	CodeRefundIncomplete Code = "refund_incomplete"
)

// Auth errors.
const (
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
)

// Internal.
const (
	CodeInternalError Code = "internal_error"
)

// HTTPStatus returns the appropriate HTTP status code for this error.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidUserID,
		CodeInvalidAmount,
		CodeInvalidFeePercent,
		CodeInvalidUserIDs,
		CodeTooManyUserIDs,
		CodeInvalidRequestBody,
		CodeInvalidQueryParam,
		CodeInvalidRefundAmountRange:
		return 400

	case CodeUnauthorized:
		return 401

	case CodeForbidden:
		return 403

	case CodeUserNotFound,
		CodeTopUpNotFound,
		CodeRefundNotFound:
		return 404

	case CodeNothingToRefund,
		CodeTopUpNotRefundable,
		CodeFeeTooHigh,
		CodeRefundAmountOutOfRange,
		CodeStripeMultipleCurrencies,
		CodeInsufficientUserQuota,
		CodeTopUpAlreadyUpdated,
		CodeCustomerMismatch,
		CodeNotSucceeded:
		return 409

	default:
		// internal_error, refund_incomplete, provider and store failures
		return 500
	}
}
