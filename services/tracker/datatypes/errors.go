// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// -----------------------------------------------------------------------------
// Tracker Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnrecognizedStatus is returned when an external status string has no
	// entry in the translation table. The event is dropped.
	ErrUnrecognizedStatus = errors.New("unrecognized external status")

	// ErrUnrecognizedDecision is returned for audit decisions other than
	// approve/reject.
	ErrUnrecognizedDecision = errors.New("unrecognized audit decision")

	// ErrAlreadyTerminal is returned by APIs that must refuse an action on a
	// terminal record. The engine itself reports ResultAlreadyTerminal instead.
	ErrAlreadyTerminal = errors.New("record is already terminal")

	// ErrConcurrentModification is returned by the store when the expected
	// version does not match the stored one.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrUnauthorized is returned when an audit decision comes from a user
	// outside the gate's approver set.
	ErrUnauthorized = errors.New("approver is not authorized for this gate")

	// ErrGateNotOpen is returned when a decision targets a stage that is not
	// awaiting audit.
	ErrGateNotOpen = errors.New("stage is not awaiting audit")

	// ErrRecordNotFound is returned when a record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists is returned when creating a record whose id is taken.
	ErrRecordExists = errors.New("record already exists")

	// ErrDuplicateRun is returned when a trigger names an external run id
	// that is already tracked by another execution.
	ErrDuplicateRun = errors.New("external run id already tracked")

	// ErrInFlight is returned when a trigger collides with a non-terminal
	// execution of the same definition and context.
	ErrInFlight = errors.New("pipeline execution already in flight")

	// ErrUnknownDefinition is returned when triggering an unknown definition.
	ErrUnknownDefinition = errors.New("unknown pipeline definition")

	// ErrTrackingUnavailable is the only persistence failure API consumers
	// ever see.
	ErrTrackingUnavailable = errors.New("pipeline tracking unavailable")
)
