package logger

// Standard field keys for structured logging.
const (
	// Connection
	KeyConnID     = "conn_id"
	KeyClientAddr = "client_addr"
	KeyProtocol   = "protocol"

	// Storage
	KeyOrigin      = "origin"
	KeyPersistence = "persistence"
	KeyName        = "name"
	KeyPath        = "path"
	KeyLockID      = "lock_id"

	// Requests
	KeyOperation = "operation"
	KeySeq       = "seq"
	KeyStatus    = "status"
	KeyOffset    = "offset"
	KeySize      = "size"
	KeyBytes     = "bytes"
	KeyDuration  = "duration"

	// Errors
	KeyError = "error"

	// Server
	KeyPort      = "port"
	KeyComponent = "component"
	KeyCount     = "count"
)

