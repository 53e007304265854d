package metrics

import "time"

// SDBMetrics provides observability for the storage service and its TCP
// adapter.
//
// Implementations must be safe for concurrent use: request metrics are
// recorded on the control executor, connection metrics on adapter
// goroutines.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewSDBMetrics()
//	adapter := sdb.New(config, m)
//
//	// Without metrics (no-op)
//	adapter := sdb.New(config, nil)
type SDBMetrics interface {
	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - operation: "open", "seek", "read", "write" or "close"
	//   - duration: Time from arrival to reply
	//   - status: "ok" or the failure kind ("busy", "aborted", ...)
	RecordRequest(operation string, duration time.Duration, status string)

	// RecordRequestStart increments the in-flight gauge for operation.
	RecordRequestStart(operation string)

	// RecordRequestEnd decrements the in-flight gauge for operation.
	RecordRequestEnd(operation string)

	// RecordBytesTransferred records bytes read or written.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes uint64)

	// RecordBusyRejection counts Opens refused because the name was in use.
	RecordBusyRejection()

	// SetOpenConnections updates the number of connections with an open stream.
	SetOpenConnections(count int)

	// SetActiveConnections updates the number of connected sockets.
	SetActiveConnections(count int32)

	RecordConnectionAccepted()
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts sockets closed by the shutdown timeout.
	RecordConnectionForceClosed()

	// RecordProtocolViolation counts peers disconnected for breaking protocol.
	RecordProtocolViolation()
}

// NewNoopSDBMetrics returns an SDBMetrics that discards everything.
func NewNoopSDBMetrics() SDBMetrics {
	return noopSDBMetrics{}
}

type noopSDBMetrics struct{}

func (noopSDBMetrics) RecordRequest(string, time.Duration, string) {}
func (noopSDBMetrics) RecordRequestStart(string)                   {}
func (noopSDBMetrics) RecordRequestEnd(string)                     {}
func (noopSDBMetrics) RecordBytesTransferred(string, uint64)       {}
func (noopSDBMetrics) RecordBusyRejection()                        {}
func (noopSDBMetrics) SetOpenConnections(int)                      {}
func (noopSDBMetrics) SetActiveConnections(int32)                  {}
func (noopSDBMetrics) RecordConnectionAccepted()                   {}
func (noopSDBMetrics) RecordConnectionClosed()                     {}
func (noopSDBMetrics) RecordConnectionForceClosed()                {}
func (noopSDBMetrics) RecordProtocolViolation()                    {}
