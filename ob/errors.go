// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ob

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = ob.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Shared error kinds for the order admission and query surfaces. Handlers and
// transports match on these with errors.Is.
const (
	// ErrMarketNotFound means an order's token pair matches no hosted market.
	ErrMarketNotFound = ErrorKind("market not found")
	// ErrOrderbookNotFound means a query named an unknown market ID.
	ErrOrderbookNotFound = ErrorKind("orderbook not found")
	// ErrInvalidOrder means the order failed structural, exchange contract, or
	// fee recipient validation. Invalid orders are never retried.
	ErrInvalidOrder = ErrorKind("order validation failed")
	// ErrFeeTooLow means the order's maker fee rate is below the host's
	// configured minimum.
	ErrFeeTooLow = ErrorKind("require more maker fee rate")
	// ErrOrderTooSmall means a remaining amount is under the configured
	// minimum order volume.
	ErrOrderTooSmall = ErrorKind("order amount too small")
	// ErrVolumeQuery means the on-chain available volume query failed. The
	// submitter may retry the whole submission.
	ErrVolumeQuery = ErrorKind("failed to query available volume")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message
// with the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided error with details in an Error, facilitating
// the use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
