package adapter

import (
	"context"

	"github.com/marmos91/dittosdb/pkg/simpledb"
)

// Adapter is a network front end for the storage service, managed by the
// server.
//
// Lifecycle:
//  1. Creation with protocol-specific configuration
//  2. SetService() hands over the shared simpledb.Service
//  3. Serve() listens and blocks until ctx is cancelled
//  4. Stop() drains connections within the context deadline
//
// SetService is called once before Serve. Stop may be called concurrently
// with Serve and more than once.
type Adapter interface {
	// Serve accepts connections until ctx is cancelled or the listener
	// fails. A return before cancellation is fatal to the server.
	Serve(ctx context.Context) error

	// SetService injects the storage service every connection is bound to.
	SetService(svc *simpledb.Service)

	// Stop initiates shutdown and waits for connections to drain or for ctx
	// to expire.
	Stop(ctx context.Context) error

	// Protocol returns the protocol name for logs and metrics.
	Protocol() string

	// Port returns the bound TCP port, or the configured one before Serve.
	Port() int
}
