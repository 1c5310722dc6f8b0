package models

import "errors"

// Validation errors. Rejected synchronously, never partially applied.
var (
	ErrInvalidSplit   = errors.New("invalid split")
	ErrMalformedEvent = errors.New("malformed revenue event")
	ErrUnknownWork    = errors.New("unknown work")

	// ErrInvalidArgument covers malformed requests that are not splits or
	// revenue reports.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Conflict errors. The caller must fix the cause upstream before retrying.
var (
	ErrConflict          = errors.New("conflict")
	ErrAgreementDisputed = errors.New("agreement disputed")
	ErrNoActiveAgreement = errors.New("no active agreement")
)

var (
	// ErrPermanentSettlementFailure is surfaced once an instruction has
	// exhausted its retry budget. The instruction stays Failed and its
	// amount is held in escrow.
	ErrPermanentSettlementFailure = errors.New("permanent settlement failure")

	// ErrConsistency marks an internal invariant violation such as a plan
	// whose lines do not add up. It is raised through panic, never returned
	// to be handled.
	ErrConsistency = errors.New("consistency violation")

	ErrNotFound = errors.New("not found")
)
