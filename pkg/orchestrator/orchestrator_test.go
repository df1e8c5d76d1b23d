package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/quota"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

type fakeRunner struct {
	mu        sync.Mutex
	launchErr error
	taskARN   string
	launched  []string
	stopped   []string
}

func (f *fakeRunner) Launch(_ context.Context, d *types.Dispatch) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.launched = append(f.launched, d.DispatchID)
	return f.taskARN, nil
}

func (f *fakeRunner) Stop(_ context.Context, taskARN, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskARN)
	return nil
}

type fakeSlots struct {
	mu        sync.Mutex
	exhausted bool
	checkouts int
	returns   []types.SlotOutcome
}

func (f *fakeSlots) Checkout(kind types.AgentKind, dispatchID string) *types.WarmSlot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return nil
	}
	f.checkouts++
	return &types.WarmSlot{
		SlotID:            "slot-1",
		AgentKind:         kind,
		State:             types.SlotInUse,
		CreatedAt:         time.Now().Add(-time.Hour),
		CurrentDispatchID: dispatchID,
	}
}

func (f *fakeSlots) Return(_ types.AgentKind, _ string, outcome types.SlotOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, outcome)
}

func testCfg() config.Config {
	return config.Config{
		Agents:      config.DefaultAgents(),
		DefaultTier: "standard",
		Tiers:       map[string]config.TierConfig{"standard": {MaxConcurrentJobs: 3}},
	}
}

type fixture struct {
	store  *store.MemoryStore
	runner *fakeRunner
	slots  *fakeSlots
	orch   *Orchestrator
}

func newFixture() *fixture {
	s := store.NewMemoryStore()
	r := &fakeRunner{taskARN: "arn:aws:ecs:task/abc"}
	slots := &fakeSlots{}
	cfg := testCfg()
	return &fixture{
		store:  s,
		runner: r,
		slots:  slots,
		orch:   New(s, slots, r, quota.New(s, cfg, nil), cfg),
	}
}

func validRequest() *DispatchRequest {
	return &DispatchRequest{
		UserID:    "user-1",
		AgentKind: types.AgentClaude,
		Task:      "refactor the billing module and add tests",
	}
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture()

	resp, err := f.orch.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, resp.Status)
	assert.Equal(t, types.AgentClaude, resp.AgentKind)
	assert.Equal(t, "claude-opus-4-5-20251101", resp.ModelID)
	assert.False(t, resp.Idempotent)
	assert.False(t, resp.EstimatedStartTime.IsZero())

	d, err := f.store.Get(context.Background(), resp.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, d.Status)
	assert.Equal(t, int64(2), d.Version)
	assert.Equal(t, "arn:aws:ecs:task/abc", d.TaskARN)
	assert.Equal(t, 3600, d.TimeoutSeconds, "timeout defaults when unset")
	assert.Equal(t, types.WorkspaceInitNone, d.WorkspaceInitMode)
}

func TestDispatchValidationBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DispatchRequest)
		ok     bool
	}{
		{"task at 9 chars rejected", func(r *DispatchRequest) { r.Task = strings.Repeat("x", 9) }, false},
		{"task at 10 chars accepted", func(r *DispatchRequest) { r.Task = strings.Repeat("x", 10) }, true},
		{"task at 50000 chars accepted", func(r *DispatchRequest) { r.Task = strings.Repeat("x", 50000) }, true},
		{"task at 50001 chars rejected", func(r *DispatchRequest) { r.Task = strings.Repeat("x", 50001) }, false},
		{"timeout 29 rejected", func(r *DispatchRequest) { r.TimeoutSeconds = 29 }, false},
		{"timeout 30 accepted", func(r *DispatchRequest) { r.TimeoutSeconds = 30 }, true},
		{"timeout 86400 accepted", func(r *DispatchRequest) { r.TimeoutSeconds = 86400 }, true},
		{"timeout 86401 rejected", func(r *DispatchRequest) { r.TimeoutSeconds = 86401 }, false},
		{"unknown agent rejected", func(r *DispatchRequest) { r.AgentKind = "copilot" }, false},
		{"bad repo url rejected", func(r *DispatchRequest) { r.RepoURL = "not a url" }, false},
		{"https repo accepted", func(r *DispatchRequest) { r.RepoURL = "https://github.com/acme/billing" }, true},
		{"ssh repo accepted", func(r *DispatchRequest) { r.RepoURL = "git@github.com:acme/billing.git" }, true},
		{"branch without repo rejected", func(r *DispatchRequest) { r.Branch = "main" }, false},
		{"bad init mode rejected", func(r *DispatchRequest) { r.WorkspaceInitMode = "partial" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := validRequest()
			tt.mutate(req)

			_, err := f.orch.Dispatch(context.Background(), req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "got %v", err)
			}
		})
	}
}

func TestDispatchExpiresAt(t *testing.T) {
	ctx := context.Background()

	t.Run("caller value honored", func(t *testing.T) {
		f := newFixture()
		req := validRequest()
		want := time.Now().UTC().AddDate(0, 0, 7).Truncate(time.Second)
		req.ExpiresAt = &want

		resp, err := f.orch.Dispatch(ctx, req)
		require.NoError(t, err)

		d, err := f.store.Get(ctx, resp.DispatchID)
		require.NoError(t, err)
		assert.Equal(t, want.Unix(), d.ExpiresAt)
	})

	t.Run("unset defaults to the retention window", func(t *testing.T) {
		f := newFixture()
		resp, err := f.orch.Dispatch(ctx, validRequest())
		require.NoError(t, err)

		d, err := f.store.Get(ctx, resp.DispatchID)
		require.NoError(t, err)
		want := time.Now().UTC().AddDate(0, 0, types.RetentionDays).Unix()
		assert.InDelta(t, want, d.ExpiresAt, 5)
	})

	t.Run("past value rejected", func(t *testing.T) {
		f := newFixture()
		req := validRequest()
		past := time.Now().UTC().Add(-time.Hour)
		req.ExpiresAt = &past

		_, err := f.orch.Dispatch(ctx, req)
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "got %v", err)
	})

	t.Run("beyond the retention window rejected", func(t *testing.T) {
		f := newFixture()
		req := validRequest()
		far := time.Now().UTC().AddDate(0, 0, types.RetentionDays+1)
		req.ExpiresAt = &far

		_, err := f.orch.Dispatch(ctx, req)
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "got %v", err)
	})
}

func TestDispatchIdempotentReplay(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.IdempotencyKey = "retry-abc"

	first, err := f.orch.Dispatch(context.Background(), req)
	require.NoError(t, err)

	second, err := f.orch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.DispatchID, second.DispatchID)
	assert.Equal(t, 1, f.slots.checkouts, "replay must not lease a second slot")
}

func TestDispatchQuotaRejectedCreatesNoRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.orch.Dispatch(ctx, validRequest())
		require.NoError(t, err)
	}

	_, err := f.orch.Dispatch(ctx, validRequest())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))

	n, err := f.store.CountActiveByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDispatchPoolExhausted(t *testing.T) {
	f := newFixture()
	f.slots.exhausted = true

	_, err := f.orch.Dispatch(context.Background(), validRequest())
	require.Error(t, err)

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errdefs.KindServiceUnavailable, e.Kind)
	assert.Greater(t, e.RetryAfterSeconds, 0)

	// The record exists and carries the failure.
	dispatches, _, lerr := f.store.ListByUser(context.Background(), "user-1", store.ListOptions{})
	require.NoError(t, lerr)
	require.Len(t, dispatches, 1)
	assert.Equal(t, types.StatusFailed, dispatches[0].Status)
	assert.Equal(t, "pool exhausted", dispatches[0].ErrorMessage)
}

func TestDispatchLaunchFailure(t *testing.T) {
	f := newFixture()
	f.runner.launchErr = errdefs.Internal(errors.New("CannotPullContainer"), "task failed to start")

	_, err := f.orch.Dispatch(context.Background(), validRequest())
	require.Error(t, err)

	require.Len(t, f.slots.returns, 1)
	assert.Equal(t, types.SlotOutcomeFaulted, f.slots.returns[0])

	dispatches, _, lerr := f.store.ListByUser(context.Background(), "user-1", store.ListOptions{})
	require.NoError(t, lerr)
	require.Len(t, dispatches, 1)
	assert.Equal(t, types.StatusFailed, dispatches[0].Status)
}

// cancelRacingStore simulates a client cancelling between create and the
// RUNNING transition by bumping the version underneath the orchestrator.
type cancelRacingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (c *cancelRacingStore) UpdateStatus(ctx context.Context, dispatchID string, expectedVersion int64, newStatus types.DispatchStatus, patch types.StatusPatch) (*types.Dispatch, error) {
	if newStatus == types.StatusRunning {
		c.once.Do(func() {
			now := time.Now().UTC()
			_, _ = c.MemoryStore.UpdateStatus(ctx, dispatchID, expectedVersion, types.StatusCancelled, types.StatusPatch{EndedAt: &now})
		})
	}
	return c.MemoryStore.UpdateStatus(ctx, dispatchID, expectedVersion, newStatus, patch)
}

func TestDispatchCancelledDuringLaunch(t *testing.T) {
	racing := &cancelRacingStore{MemoryStore: store.NewMemoryStore()}
	runner := &fakeRunner{taskARN: "arn:aws:ecs:task/abc"}
	slots := &fakeSlots{}
	cfg := testCfg()
	orch := New(racing, slots, runner, quota.New(racing, cfg, nil), cfg)

	_, err := orch.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// The launched task was stopped and the slot returned faulted.
	assert.Equal(t, []string{"arn:aws:ecs:task/abc"}, runner.stopped)
	require.Len(t, slots.returns, 1)
	assert.Equal(t, types.SlotOutcomeFaulted, slots.returns[0])
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending cancels directly", func(t *testing.T) {
		f := newFixture()
		d := &types.Dispatch{DispatchID: "d-1", UserID: "user-1", AgentKind: types.AgentClaude, Task: "run the suite now"}
		require.NoError(t, f.store.Create(ctx, d))

		got, err := f.orch.Cancel(ctx, "d-1", "user-1", "changed my mind")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, got.Status)
		assert.Equal(t, "changed my mind", got.ErrorMessage)
		assert.NotNil(t, got.EndedAt)
		assert.Empty(t, f.runner.stopped)
	})

	t.Run("running issues a stop", func(t *testing.T) {
		f := newFixture()
		resp, err := f.orch.Dispatch(ctx, validRequest())
		require.NoError(t, err)

		got, err := f.orch.Cancel(ctx, resp.DispatchID, "user-1", "abort")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status, "finalization is the reconciler's job")
		assert.Equal(t, "abort", got.ErrorMessage)
		assert.Equal(t, []string{"arn:aws:ecs:task/abc"}, f.runner.stopped)
	})

	t.Run("terminal is idempotent", func(t *testing.T) {
		f := newFixture()
		d := &types.Dispatch{DispatchID: "d-1", UserID: "user-1", AgentKind: types.AgentClaude, Task: "run the suite now"}
		require.NoError(t, f.store.Create(ctx, d))
		_, err := f.store.MarkFailed(ctx, "d-1", 1, types.StatusPatch{})
		require.NoError(t, err)

		got, err := f.orch.Cancel(ctx, "d-1", "user-1", "")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, got.Status)
	})

	t.Run("foreign dispatch is forbidden", func(t *testing.T) {
		f := newFixture()
		d := &types.Dispatch{DispatchID: "d-1", UserID: "user-1", AgentKind: types.AgentClaude, Task: "run the suite now"}
		require.NoError(t, f.store.Create(ctx, d))

		_, err := f.orch.Cancel(ctx, "d-1", "user-2", "")
		assert.True(t, errdefs.IsKind(err, errdefs.KindAuthorization))
	})

	t.Run("unknown dispatch", func(t *testing.T) {
		f := newFixture()
		_, err := f.orch.Cancel(ctx, "missing", "user-1", "")
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestDispatchModelOverride(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.ModelID = "claude-sonnet-4-5"

	resp, err := f.orch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", resp.ModelID)
}
