package embedding

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrAllProvidersFailed  = errors.New("all embedding providers failed")
	ErrProviderNotFound    = errors.New("embedding provider not registered")
	ErrCircuitOpen         = errors.New("embedding provider circuit open")
)

// DimensionMismatchError reports a vector whose length differs from the
// provider's declared dimensionality.
type DimensionMismatchError struct {
	Provider string
	Want     int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("provider %s returned %d dimensions, want %d", e.Provider, e.Got, e.Want)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// Attempt records why one provider in a fallback chain did not produce a
// result.
type Attempt struct {
	Provider string
	Err      error
}

// AllProvidersFailedError is returned when every candidate provider was
// unavailable or failed.
type AllProvidersFailedError struct {
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersFailed.Error() + ": no providers registered"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Provider + ": " + a.Err.Error()
	}
	return ErrAllProvidersFailed.Error() + ": " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() error { return ErrAllProvidersFailed }
