// Package domain contains domain models and business logic errors.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a requested machine, VM or task is not known to the substrate.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoPlacement is returned when neither an existing VM nor a machine for a new VM
	// can host a task.
	ErrNoPlacement = errors.New("no placement possible")

	// ErrStaleTarget is returned by the substrate when a command targets a machine or VM
	// that is no longer valid for it (e.g. the machine went to sleep between query and command).
	// It is a retry condition.
	ErrStaleTarget = errors.New("stale command target")

	// ErrInvariant marks a broken engine invariant. It indicates a logic bug, never a
	// runtime condition, and callers should abort.
	ErrInvariant = errors.New("invariant violation")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")
)
