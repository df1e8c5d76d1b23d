package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgentKindValid(t *testing.T) {
	for _, kind := range AgentKinds {
		assert.True(t, kind.Valid(), "kind %s should be valid", kind)
	}
	assert.False(t, AgentKind("copilot").Valid())
	assert.False(t, AgentKind("").Valid())
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   DispatchStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.Terminal(), "status %s", tt.status)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  DispatchStatus
		to    DispatchStatus
		legal bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to completed skips running", StatusPending, StatusCompleted, false},
		{"pending to timeout skips running", StatusPending, StatusTimeout, false},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to timeout", StatusRunning, StatusTimeout, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running back to pending", StatusRunning, StatusPending, false},
		{"completed is absorbing", StatusCompleted, StatusRunning, false},
		{"failed is absorbing", StatusFailed, StatusPending, false},
		{"cancelled is absorbing", StatusCancelled, StatusCompleted, false},
		{"timeout is absorbing", StatusTimeout, StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))
		})
	}
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, Progress(StatusPending))
	assert.Equal(t, 50, Progress(StatusRunning))
	assert.Equal(t, 100, Progress(StatusCompleted))
	assert.Equal(t, 100, Progress(StatusFailed))
	assert.Equal(t, 100, Progress(StatusTimeout))
	assert.Equal(t, 100, Progress(StatusCancelled))
}

func TestMainContainer(t *testing.T) {
	exit := 0
	t.Run("prefers worker by name", func(t *testing.T) {
		e := &TaskStoppedEvent{Containers: []ContainerDetail{
			{Name: "sidecar"},
			{Name: "worker", ExitCode: &exit},
		}}
		mc := e.MainContainer()
		assert.NotNil(t, mc)
		assert.Equal(t, "worker", mc.Name)
	})

	t.Run("falls back to first container", func(t *testing.T) {
		e := &TaskStoppedEvent{Containers: []ContainerDetail{
			{Name: "agent"},
			{Name: "sidecar"},
		}}
		mc := e.MainContainer()
		assert.NotNil(t, mc)
		assert.Equal(t, "agent", mc.Name)
	})

	t.Run("nil when no containers", func(t *testing.T) {
		e := &TaskStoppedEvent{}
		assert.Nil(t, e.MainContainer())
	})
}

func TestWorkspaceInitModeValid(t *testing.T) {
	assert.True(t, WorkspaceInitFull.Valid())
	assert.True(t, WorkspaceInitMinimal.Valid())
	assert.True(t, WorkspaceInitNone.Valid())
	assert.False(t, WorkspaceInitMode("partial").Valid())
}

func TestIdempotencyWindow(t *testing.T) {
	assert.Equal(t, 24*time.Hour, IdempotencyWindow)
}
