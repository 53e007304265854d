package quota

import "errors"

var (
	// ErrShuttingDown is returned for lock requests after Shutdown has started.
	ErrShuttingDown = errors.New("quota: manager is shutting down")

	// ErrInvalidPersistenceType is returned for unknown persistence types.
	ErrInvalidPersistenceType = errors.New("quota: invalid persistence type")

	// ErrUsageNotFound is returned by usage stores for origins never recorded.
	ErrUsageNotFound = errors.New("quota: usage not found")

	// ErrShutdownTimeout is returned when clients did not drain before the
	// shutdown deadline.
	ErrShutdownTimeout = errors.New("quota: clients did not finish shutdown in time")
)
