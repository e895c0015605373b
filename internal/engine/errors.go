package engine

import "errors"

// Error classes the engine logs and recovers from. Operations wrap one of
// these so callers can classify failures with errors.Is.
var (
	// ErrMissingData marks an absent rule, node or required parameter
	ErrMissingData = errors.New("missing data")
	// ErrMalformedParameter marks a value that could not be converted
	ErrMalformedParameter = errors.New("malformed parameter")
	// ErrExternalCall marks a failed device, bus or HTTP call
	ErrExternalCall = errors.New("external call failed")
	// ErrUnknownType marks an unrecognised trigger or action type
	ErrUnknownType = errors.New("unknown type")
	// ErrNotFound is returned when no trigger registration matches a path
	ErrNotFound = errors.New("registration not found")
)
