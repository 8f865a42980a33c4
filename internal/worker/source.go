// ============================================================================
// bbqueue Worker Interfaces
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The work a worker hands off once the manager picked an item.
//
//   - Transferer moves one extent of a volume between burst buffer and
//     parallel file system.
//   - AsyncHandler executes an async request read from the shared journal,
//     such as a cancel or a credentials update from another server.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// Transferer moves the extent described by a volume work item.
type Transferer interface {
	// Transfer performs the transfer for w. Canceled items are never passed.
	Transfer(ctx context.Context, w types.WorkID) error
}

// AsyncHandler executes async requests appended by other servers.
type AsyncHandler interface {
	// HandleAsyncRequest runs cmd, parsed from req.
	HandleAsyncRequest(ctx context.Context, req journal.AsyncRequest, cmd journal.Command) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, w types.WorkID) error

// Transfer calls f.
func (f TransferFunc) Transfer(ctx context.Context, w types.WorkID) error { return f(ctx, w) }

// AsyncHandlerFunc adapts a function to AsyncHandler.
type AsyncHandlerFunc func(ctx context.Context, req journal.AsyncRequest, cmd journal.Command) error

// HandleAsyncRequest calls f.
func (f AsyncHandlerFunc) HandleAsyncRequest(ctx context.Context, req journal.AsyncRequest, cmd journal.Command) error {
	return f(ctx, req, cmd)
}
