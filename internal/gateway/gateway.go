// Package gateway defines the interface shared by serving front ends.
package gateway

import "context"

// Gateway is a serving front end (HTTP admin API, MCP stdio, etc.).
type Gateway interface {
	// Start launches the gateway and blocks until it exits or the
	// context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
