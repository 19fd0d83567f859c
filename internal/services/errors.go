// Package services implements the safety gate for outbound notifications:
// the startup interlock, duplicate detection, rate limiting, similarity
// filtering, the ordered evaluation pipeline, and the outcome recorder.
//
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers. Policy
// outcomes are never errors; they are reported through domain.Decision.
package services

import "errors"

var (
	// ErrDuplicateSend is returned by the Recorder when a second successful
	// attempt is recorded for a (recipient, order, type) key. Callers treat
	// it as LEDGER_DUPLICATE.
	ErrDuplicateSend = errors.New("successful send already recorded for this key")

	// ErrInvalidOutcome is returned when an outcome is missing its recipient,
	// order, or message type.
	ErrInvalidOutcome = errors.New("outcome requires recipient, order and message type")
)
