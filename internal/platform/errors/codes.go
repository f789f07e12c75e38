// Package errors provides structured error handling for the order-sync client.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Auth errors
	CodeAuthInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeAuthSessionExpired     Code = "AUTH_SESSION_EXPIRED"
	CodeSessionRequired        Code = "SESSION_REQUIRED"

	// Transport errors
	CodeTransportDisconnected Code = "TRANSPORT_DISCONNECTED"

	// Checkout errors
	CodeCheckoutRejected      Code = "CHECKOUT_REJECTED"
	CodeCheckoutPaymentFailed Code = "CHECKOUT_PAYMENT_FAILED"

	// Validation errors (no network call is attempted)
	CodeValidationEmptyCart      Code = "VALIDATION_EMPTY_CART"
	CodeValidationRatingRequired Code = "VALIDATION_RATING_REQUIRED"

	// Server-side request rejections other than auth
	CodeRequestRejected Code = "REQUEST_REJECTED"

	// Local persistence errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// Recoverable reports whether the user can retry without a new session.
// Payment failures are recoverable against the created order id; auth
// failures force a fresh login.
func (c Code) Recoverable() bool {
	switch c {
	case CodeAuthInvalidCredentials, CodeAuthSessionExpired, CodeSessionRequired:
		return false
	default:
		return true
	}
}
