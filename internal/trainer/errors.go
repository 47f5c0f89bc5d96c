package trainer

import "errors"

// ErrMisconfiguration marks fatal configuration errors: they abort the run
// immediately rather than being skipped or retried. Wrap with fmt.Errorf and
// %w so callers can test with errors.Is.
var ErrMisconfiguration = errors.New("misconfiguration")
