// Package errors provides error handling for framestore.
//
// This package re-exports github.com/cockroachdb/errors, which gives every
// error a stack trace and supports hints and details for operator-facing
// messages, and it defines the sentinels shared across packages.
//
// Usage:
//
//	if err := engine.Put(index, data, profile); err != nil {
//		return errors.Wrapf(err, "failed to write record %d", index)
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//		// unknown identity
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf

	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions. These mark contract breaches by a caller, not bad data.
var (
	AssertionFailedf   = crdb.AssertionFailedf
	IsAssertionFailure = crdb.IsAssertionFailure
)

// Common sentinel errors. Wrap them to add context while keeping errors.Is working.
var (
	// ErrNotFound indicates an operation referenced an unknown identity.
	ErrNotFound = New("not found")

	// ErrAlreadyExists indicates an identity is already in use.
	ErrAlreadyExists = New("already exists")

	// ErrInvalidData indicates malformed input, such as a nil graph.
	ErrInvalidData = New("invalid data")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = New("closed")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
