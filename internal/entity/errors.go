package entity

import (
	"context"
	"errors"
	"fmt"

	"integrationcore/pkg/vendor"
)

// CommandError is the user-visible failure of one entity command.
type CommandError struct {
	UniqueID string
	Command  string
	Kind     vendor.Kind
	// Reason is safe to show to a user.
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed for %s: %s", e.Command, e.UniqueID, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func newCommandError(uniqueID, command string, err error) *CommandError {
	var existing *CommandError
	if errors.As(err, &existing) {
		return existing
	}
	kind := vendor.KindOf(err)
	return &CommandError{
		UniqueID: uniqueID,
		Command:  command,
		Kind:     kind,
		Reason:   reasonFor(kind, err),
		Err:      err,
	}
}

func reasonFor(kind vendor.Kind, err error) string {
	if errors.Is(err, context.Canceled) {
		return "request was cancelled"
	}
	switch kind {
	case vendor.KindAuth:
		return "device rejected the credentials, reauthentication is required"
	case vendor.KindRateLimit:
		return "device is rate limiting requests, try again later"
	case vendor.KindMalformed:
		return "device sent an unexpected response"
	case vendor.KindRequest:
		var verr *vendor.Error
		if errors.As(err, &verr) && verr.Err != nil {
			return fmt.Sprintf("device rejected the request: %v", verr.Err)
		}
		return "device rejected the request"
	default:
		return "device could not be reached"
	}
}

func invalidValue(uniqueID string, value, lo, hi float64) *CommandError {
	return &CommandError{
		UniqueID: uniqueID,
		Command:  "set_value",
		Kind:     vendor.KindRequest,
		Reason:   fmt.Sprintf("value %v is outside the range %v to %v", value, lo, hi),
	}
}

func unsupported(uniqueID, command string) *CommandError {
	return &CommandError{
		UniqueID: uniqueID,
		Command:  command,
		Kind:     vendor.KindRequest,
		Reason:   "command is not supported by this entity",
	}
}
