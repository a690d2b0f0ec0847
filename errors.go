package ssrcore

import "errors"

var (
	// ErrEngineUnavailable is returned while the runtime has not finished
	// initializing, or permanently after initialization failed.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrEntryNotFound is returned when the configured export path does not
	// resolve to a function in the loaded module.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidResponse is returned when render code produces something
	// other than a Response.
	ErrInvalidResponse = errors.New("render returned invalid response")
)
