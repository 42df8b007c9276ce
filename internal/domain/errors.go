// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a mutating operation was requested while another one
// already holds the device.
var ErrConflict = errors.New("conflict: another operation is in flight")

// ErrInvalidState indicates an action was requested against an entity whose
// state no longer permits it (e.g. cancelling a finished task).
var ErrInvalidState = errors.New("invalid state")

// ErrValidation indicates malformed or out-of-range input.
var ErrValidation = errors.New("validation failed")

// ErrDeviceFault indicates the device reported an error condition or an
// operation hit an unexpected failure while driving it.
var ErrDeviceFault = errors.New("device fault")
