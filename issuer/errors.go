package issuer

import "strings"

// ProviderFailure records why one certificate authority attempt failed.
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllProvidersError means every configured certificate authority was tried
// and none produced a certificate.
type AllProvidersError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersError) Error() string {
	if len(e.Failures) == 0 {
		return "issuer: no certificate authority configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Provider+": "+f.Err.Error())
	}
	return "issuer: all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-provider errors to errors.Is and errors.As.
func (e *AllProvidersError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
