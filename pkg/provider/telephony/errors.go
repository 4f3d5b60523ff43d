package telephony

import (
	"errors"
	"fmt"
)

// ErrNoControlURL is returned by in-call commands when no control handle is
// known for either identifier in the [CallRef].
var ErrNoControlURL = errors.New("telephony: no control url for call")

// ErrNotSupported is returned for commands a provider cannot express.
var ErrNotSupported = errors.New("telephony: operation not supported")

// ProviderError preserves the status and body of a failed carrier REST call.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error: status %d: %s", e.Provider, e.Status, e.Body)
}
