package store

import (
	"context"
	"time"

	"github.com/outpost-run/outpost/pkg/types"
)

// ListOptions narrows and pages a per-user listing. Cursor is the opaque
// token returned by a previous page; Tags filter with AND semantics.
type ListOptions struct {
	Limit  int
	Cursor string
	Status types.DispatchStatus
	Tags   map[string]string
}

// DefaultListLimit applies when ListOptions.Limit is unset.
const DefaultListLimit = 50

// Store defines the interface for dispatch state storage. It is implemented
// by the DynamoDB-backed store in production and by the in-memory store in
// tests and local development.
type Store interface {
	// Create inserts a new record at version 1 with status PENDING. A zero
	// expires_at is stamped with the default retention deadline; a
	// caller-provided value is kept. Fails with Conflict when the dispatch_id
	// already exists. When an idempotency key is present the mapping is
	// written with a 24-hour TTL; the mapping write is best-effort unless
	// the store was built in strict mode.
	Create(ctx context.Context, d *types.Dispatch) error

	// Get fetches a dispatch by id; fails with NotFound.
	Get(ctx context.Context, dispatchID string) (*types.Dispatch, error)

	// FindByIdempotency resolves (user_id, key) to a dispatch. Returns
	// (nil, nil) on a miss or when the mapping store is unavailable.
	FindByIdempotency(ctx context.Context, userID, key string) (*types.Dispatch, error)

	// FindByTaskARN resolves a task ARN to a dispatch via the secondary
	// index. Returns (nil, nil) on a miss.
	FindByTaskARN(ctx context.Context, taskARN string) (*types.Dispatch, error)

	// UpdateStatus applies a version-guarded status transition. On guard
	// failure it fails with a Conflict carrying the expected and current
	// versions. On success the returned record has version expected+1.
	UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus types.DispatchStatus, patch types.StatusPatch) (*types.Dispatch, error)

	// MarkCompleted transitions to COMPLETED stamping ended_at = now.
	MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error)

	// MarkFailed transitions to FAILED stamping ended_at = now.
	MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error)

	// ListByUser pages a user's dispatches ordered by started_at
	// descending. The returned cursor is empty on the last page.
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*types.Dispatch, string, error)

	// CountActiveByUser counts the user's PENDING and RUNNING dispatches.
	CountActiveByUser(ctx context.Context, userID string) (int, error)

	// Metrics aggregates records started within the window.
	Metrics(ctx context.Context, since time.Duration) (*types.DispatchMetrics, error)
}

func stampTerminal(patch types.StatusPatch, now time.Time) types.StatusPatch {
	if patch.EndedAt == nil {
		patch.EndedAt = &now
	}
	return patch
}
