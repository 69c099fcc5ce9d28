// SPDX-License-Identifier: Apache-2.0
package hive

import (
	"errors"
	"fmt"
)

// Class is the error taxonomy used across the coordinator so callers can
// branch on failure category with errors.As rather than string matching.
type Class string

const (
	ClassConfig        Class = "config"
	ClassProtocol      Class = "protocol"
	ClassConsensus     Class = "consensus"
	ClassConflict      Class = "conflict"
	ClassHostUnavail   Class = "host_unavailable"
	ClassBoundsExceeded Class = "bounds_exceeded"
	ClassStaleData     Class = "stale_data"
	ClassIntegrity     Class = "integrity"
)

// Error is the coordinator's typed error, carrying a Class for programmatic
// handling and an optional wrapped cause for %w chains.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ClassConflict) work by comparing Class via a
// sentinel wrapper, since Class values are not themselves errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Class == t.Class
	}
	return false
}

func newErr(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func ConfigErr(op string, err error) error        { return newErr(ClassConfig, op, err) }
func ProtocolErr(op string, err error) error      { return newErr(ClassProtocol, op, err) }
func ConsensusErr(op string, err error) error     { return newErr(ClassConsensus, op, err) }
func ConflictErr(op string, err error) error      { return newErr(ClassConflict, op, err) }
func HostUnavailErr(op string, err error) error   { return newErr(ClassHostUnavail, op, err) }
func BoundsExceededErr(op string, err error) error { return newErr(ClassBoundsExceeded, op, err) }
func StaleDataErr(op string, err error) error     { return newErr(ClassStaleData, op, err) }
func IntegrityErr(op string, err error) error     { return newErr(ClassIntegrity, op, err) }

// ClassOf extracts the Class of err if it is (or wraps) an *Error.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}
