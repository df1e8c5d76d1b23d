package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

func testCfg() config.Config {
	return config.Config{
		DefaultTier: "standard",
		Tiers: map[string]config.TierConfig{
			"standard": {MaxConcurrentJobs: 2},
			"pro":      {MaxConcurrentJobs: 10},
		},
	}
}

func seedActive(t *testing.T, s *store.MemoryStore, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Create(context.Background(), &types.Dispatch{
			DispatchID: userID + "-d" + string(rune('0'+i)),
			UserID:     userID,
			AgentKind:  types.AgentClaude,
			Task:       "long enough task text",
		}))
	}
}

func TestCheckUnderLimit(t *testing.T) {
	s := store.NewMemoryStore()
	seedActive(t, s, "user-1", 1)

	c := New(s, testCfg(), nil)
	assert.NoError(t, c.Check(context.Background(), "user-1"))
}

func TestCheckAtLimit(t *testing.T) {
	s := store.NewMemoryStore()
	seedActive(t, s, "user-1", 2)

	c := New(s, testCfg(), nil)
	err := c.Check(context.Background(), "user-1")
	require.Error(t, err)

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errdefs.KindQuotaExceeded, e.Kind)
	assert.Greater(t, e.RetryAfterSeconds, 0)
}

func TestTerminalDispatchesDoNotCount(t *testing.T) {
	s := store.NewMemoryStore()
	seedActive(t, s, "user-1", 2)
	_, err := s.MarkFailed(context.Background(), "user-1-d0", 1, types.StatusPatch{})
	require.NoError(t, err)

	c := New(s, testCfg(), nil)
	assert.NoError(t, c.Check(context.Background(), "user-1"))
}

func TestTierResolver(t *testing.T) {
	s := store.NewMemoryStore()
	seedActive(t, s, "user-1", 3)

	c := New(s, testCfg(), func(string) string { return "pro" })
	assert.Equal(t, 10, c.Limit("user-1"))
	assert.NoError(t, c.Check(context.Background(), "user-1"))
}

func TestUnknownTierFallsBack(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, testCfg(), func(string) string { return "enterprise" })
	assert.Equal(t, 2, c.Limit("user-1"))
}
