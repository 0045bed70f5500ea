package crawler

import "errors"

// Error classes. Callers match them with errors.Is.
var (
	// ErrTransientFetch covers timeouts, transport errors and unparsable
	// bodies. It is retried and never escapes the executor.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrEmptyPayload marks a parsable but empty body. It fails the
	// identifier without further attempts.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrMalformedInput marks an input chunk that is not {"data":[...]}.
	ErrMalformedInput = errors.New("malformed input file")
	// ErrPersistence aborts the run.
	ErrPersistence = errors.New("persistence error")
	// ErrConfiguration is raised before any fetch begins.
	ErrConfiguration = errors.New("configuration error")
)
