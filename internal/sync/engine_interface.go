// Package sync uploads queued offline mutations to the server and diverts
// version conflicts into the conflict workflow.
package sync

import (
	"context"
	"fmt"

	"github.com/kimhsiao/reliefsync/backend/internal/models"
)

// RemoteAPI uploads one queued mutation. On success it returns the server's
// canonical record. A version conflict is reported as a *ConflictError;
// any other error is a transport or server failure.
type RemoteAPI interface {
	Upload(ctx context.Context, item *models.QueueItem) (*models.Record, error)
}

// ConflictError is returned by a RemoteAPI when the server rejects an upload
// because the entity changed server-side. Server is the current server record,
// nil if the entity no longer exists.
type ConflictError struct {
	ItemID string
	Server *models.Record
}

func (e *ConflictError) Error() string {
	if e.Server == nil {
		return fmt.Sprintf("sync conflict for item %s: entity gone on server", e.ItemID)
	}
	return fmt.Sprintf("sync conflict for item %s: server at version %d", e.ItemID, e.Server.Version)
}

// Runner runs sync passes. The scheduler and API depend on it.
type Runner interface {
	// RunPass uploads every eligible queue item once and waits for completion.
	RunPass(ctx context.Context) (*SyncResult, error)

	// Trigger starts a pass in the background and returns immediately.
	Trigger(ctx context.Context)

	// Status returns the executor's current state.
	Status() ExecutorStatus
}
