package sched

import "errors"

var (
	// ErrNotConfigured reports a lifecycle call before Configure.
	ErrNotConfigured = errors.New("sched: cell not configured")
	// ErrAlreadyConfigured reports a second Configure; cell geometry is
	// immutable once set.
	ErrAlreadyConfigured = errors.New("sched: cell already configured")
	// ErrInvalidConfig reports a cell configuration that fails validation.
	ErrInvalidConfig = errors.New("sched: invalid cell config")
	// ErrDuplicateUser reports an add for an identifier that is active.
	ErrDuplicateUser = errors.New("sched: duplicate user")
	// ErrCapacityExceeded reports that the user table is full.
	ErrCapacityExceeded = errors.New("sched: user capacity exceeded")
	// ErrUnknownUser reports an operation on an identifier that is not
	// active.
	ErrUnknownUser = errors.New("sched: unknown user")
	// ErrUnknownCarrier reports a user configuration addressing a carrier
	// the cell does not have.
	ErrUnknownCarrier = errors.New("sched: unknown carrier")
	// ErrInvalidWeights reports a policy update with negative or
	// non-finite coefficients.
	ErrInvalidWeights = errors.New("sched: invalid priority weights")
)
