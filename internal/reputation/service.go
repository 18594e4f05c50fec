package reputation

import "context"

// DisabledService is the Service used when no reputation-service API key is
// configured. Every digest is reported not-found and Upload always fails;
// the Client's existing NotAnalyzedVerdict path then records a verdict that
// honestly reflects "no reputation backend configured" rather than
// pretending to have queried one. A real deployment supplies its own
// Service (the network I/O, rate limiting, and file upload it performs are
// deliberately out of scope for this repository — only the request/response
// contract is specified, in spec.md §6).
type DisabledService struct{}

// Lookup always reports not-found.
func (DisabledService) Lookup(ctx context.Context, digest string) (found bool, verdict string, suspicious bool, err error) {
	return false, "", false, nil
}

// Upload always fails, since there is nowhere to upload to.
func (DisabledService) Upload(ctx context.Context, exe string) error {
	return errServiceDisabled
}

var errServiceDisabled = disabledError{}

type disabledError struct{}

func (disabledError) Error() string { return "reputation: no service configured" }
