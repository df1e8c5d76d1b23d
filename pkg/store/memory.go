package store

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/types"
)

// MemoryStore implements Store with in-process maps. It backs tests and
// local development; semantics (version guard, idempotency window, ordering)
// match the DynamoDB store.
type MemoryStore struct {
	mu          sync.RWMutex
	dispatches  map[string]*types.Dispatch
	idempotency map[string]memoryMapping
	now         func() time.Time
}

type memoryMapping struct {
	dispatchID string
	expiresAt  time.Time
}

// NewMemoryStore creates an empty in-memory dispatch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dispatches:  make(map[string]*types.Dispatch),
		idempotency: make(map[string]memoryMapping),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, d *types.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispatches[d.DispatchID]; exists {
		return errdefs.Conflict("dispatch %s already exists", d.DispatchID)
	}

	now := s.now().UTC()
	d.Status = types.StatusPending
	d.Version = 1
	if d.StartedAt.IsZero() {
		d.StartedAt = now
	}
	if d.ExpiresAt == 0 {
		d.ExpiresAt = now.AddDate(0, 0, types.RetentionDays).Unix()
	}

	copied := *d
	s.dispatches[d.DispatchID] = &copied

	if d.IdempotencyKey != "" {
		s.idempotency[idempotencyPK(d.UserID, d.IdempotencyKey)] = memoryMapping{
			dispatchID: d.DispatchID,
			expiresAt:  now.Add(types.IdempotencyWindow),
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, dispatchID string) (*types.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(dispatchID)
}

func (s *MemoryStore) getLocked(dispatchID string) (*types.Dispatch, error) {
	d, ok := s.dispatches[dispatchID]
	if !ok {
		return nil, errdefs.NotFound("dispatch not found: %s", dispatchID)
	}
	copied := *d
	return &copied, nil
}

func (s *MemoryStore) FindByIdempotency(ctx context.Context, userID, key string) (*types.Dispatch, error) {
	s.mu.RLock()
	mapping, ok := s.idempotency[idempotencyPK(userID, key)]
	now := s.now()
	s.mu.RUnlock()

	if !ok || !mapping.expiresAt.After(now) {
		return nil, nil
	}
	d, err := s.Get(ctx, mapping.dispatchID)
	if err != nil {
		return nil, nil
	}
	return d, nil
}

func (s *MemoryStore) FindByTaskARN(_ context.Context, taskARN string) (*types.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.dispatches {
		if d.TaskARN == taskARN {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, dispatchID string, expectedVersion int64, newStatus types.DispatchStatus, patch types.StatusPatch) (*types.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatches[dispatchID]
	if !ok {
		return nil, errdefs.NotFound("dispatch not found: %s", dispatchID)
	}
	if d.Version != expectedVersion {
		return nil, errdefs.VersionConflict(expectedVersion, d.Version)
	}

	d.Status = newStatus
	d.Version = expectedVersion + 1
	if patch.TaskARN != "" {
		d.TaskARN = patch.TaskARN
	}
	if patch.WorkspaceID != "" {
		d.WorkspaceID = patch.WorkspaceID
	}
	if patch.ArtifactsURL != "" {
		d.ArtifactsURL = patch.ArtifactsURL
	}
	if patch.ErrorMessage != "" {
		d.ErrorMessage = patch.ErrorMessage
	}
	if patch.StoppedReason != "" {
		d.StoppedReason = patch.StoppedReason
	}
	if patch.EndedAt != nil {
		ended := patch.EndedAt.UTC()
		d.EndedAt = &ended
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		d.ExitCode = &code
	}

	copied := *d
	return &copied, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error) {
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, types.StatusCompleted, stampTerminal(patch, s.now().UTC()))
}

func (s *MemoryStore) MarkFailed(ctx context.Context, dispatchID string, expectedVersion int64, patch types.StatusPatch) (*types.Dispatch, error) {
	return s.UpdateStatus(ctx, dispatchID, expectedVersion, types.StatusFailed, stampTerminal(patch, s.now().UTC()))
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, opts ListOptions) ([]*types.Dispatch, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var matched []*types.Dispatch
	for _, d := range s.dispatches {
		if d.UserID != userID {
			continue
		}
		if opts.Status != "" && d.Status != opts.Status {
			continue
		}
		if !tagsMatch(d.Tags, opts.Tags) {
			continue
		}
		copied := *d
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].DispatchID > matched[j].DispatchID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	offset := 0
	if opts.Cursor != "" {
		raw, err := base64.URLEncoding.DecodeString(opts.Cursor)
		if err != nil {
			return nil, "", errdefs.Validation("invalid cursor")
		}
		offset, err = strconv.Atoi(string(raw))
		if err != nil || offset < 0 {
			return nil, "", errdefs.Validation("invalid cursor")
		}
	}
	if offset >= len(matched) {
		return []*types.Dispatch{}, "", nil
	}

	end := offset + limit
	next := ""
	if end < len(matched) {
		next = base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(end)))
	} else {
		end = len(matched)
	}
	return matched[offset:end], next, nil
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (s *MemoryStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, d := range s.dispatches {
		if d.UserID == userID && !d.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Metrics(_ context.Context, since time.Duration) (*types.DispatchMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UTC().Add(-since)
	metrics := &types.DispatchMetrics{
		ByStatus: make(map[types.DispatchStatus]int),
		ByAgent:  make(map[types.AgentKind]types.AgentDispatchMetrics),
	}
	durations := make(map[types.AgentKind]float64)

	for _, d := range s.dispatches {
		if d.StartedAt.Before(cutoff) {
			continue
		}
		accumulate(metrics, durations, d)
	}
	finalizeDurations(metrics, durations)
	return metrics, nil
}
