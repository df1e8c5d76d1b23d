package reconciler

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

const (
	maxApplyRetries = 3
	retryJitterMin  = 20 * time.Millisecond
	retryJitterMax  = 200 * time.Millisecond
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// SlotPool releases the warm slot held by a finished dispatch.
type SlotPool interface {
	ReleaseByDispatch(kind types.AgentKind, dispatchID string, outcome types.SlotOutcome)
}

// Reconciler turns task-stopped events into terminal dispatch transitions.
// Events arrive at least once; the store's version guard makes every replay
// a benign no-op.
type Reconciler struct {
	store  store.Store
	pool   SlotPool
	logger zerolog.Logger
	sleep  func(time.Duration)
}

// New creates a reconciler over the dispatch store and warm pools.
func New(st store.Store, pool SlotPool) *Reconciler {
	return &Reconciler{
		store:  st,
		pool:   pool,
		logger: log.WithComponent("reconciler"),
		sleep:  time.Sleep,
	}
}

// Process handles one task-state-change event end to end: identify the
// dispatch, map the platform stop details to a terminal status, apply it
// under the version guard, and release the warm slot.
func (r *Reconciler) Process(ctx context.Context, event *types.TaskStoppedEvent) error {
	if event.LastStatus != "STOPPED" {
		return nil
	}

	dispatchID := ExtractDispatchID(ctx, r.store, event)
	if dispatchID == "" {
		r.logger.Warn().
			Str("task_arn", event.TaskARN).
			Str("group", event.Group).
			Msg("Dropping event with no recoverable dispatch id")
		metrics.EventsProcessedTotal.WithLabelValues("dropped").Inc()
		return nil
	}

	status, errMsg := MapTerminalStatus(event)
	patch := types.StatusPatch{
		ErrorMessage:  errMsg,
		StoppedReason: event.StoppedReason,
	}
	if event.StoppedAt != nil {
		ended := event.StoppedAt.UTC()
		patch.EndedAt = &ended
	}
	if mc := event.MainContainer(); mc != nil && mc.ExitCode != nil {
		code := *mc.ExitCode
		patch.ExitCode = &code
	}

	d, err := r.apply(ctx, dispatchID, status, patch)
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues("error").Inc()
		return err
	}
	if d == nil {
		// Already terminal: a replayed or racing event.
		metrics.EventsProcessedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	outcome := types.SlotOutcomeFaulted
	if status == types.StatusCompleted {
		outcome = types.SlotOutcomeOK
	}
	r.pool.ReleaseByDispatch(d.AgentKind, d.DispatchID, outcome)

	metrics.EventsProcessedTotal.WithLabelValues("applied").Inc()
	metrics.DispatchesTotal.WithLabelValues(string(d.AgentKind), string(status)).Inc()
	metrics.DispatchesInFlight.Dec()
	if d.EndedAt != nil {
		metrics.DispatchDuration.WithLabelValues(string(d.AgentKind)).
			Observe(d.EndedAt.Sub(d.StartedAt).Seconds())
	}

	r.logger.Info().
		Str("dispatch_id", d.DispatchID).
		Str("status", string(status)).
		Str("task_arn", event.TaskARN).
		Msg("Reconciled dispatch")
	return nil
}

// apply performs the version-guarded transition with a fresh read before
// every attempt. Returns (nil, nil) when the record is already terminal.
func (r *Reconciler) apply(ctx context.Context, dispatchID string, status types.DispatchStatus, patch types.StatusPatch) (*types.Dispatch, error) {
	for attempt := 0; ; attempt++ {
		d, err := r.store.Get(ctx, dispatchID)
		if err != nil {
			return nil, err
		}
		if d.Status.Terminal() {
			return nil, nil
		}
		if patch.EndedAt == nil {
			now := time.Now().UTC()
			patch.EndedAt = &now
		}

		updated, err := r.store.UpdateStatus(ctx, dispatchID, d.Version, status, patch)
		if err == nil {
			return updated, nil
		}
		if !errdefs.IsConflict(err) || attempt >= maxApplyRetries {
			return nil, err
		}

		metrics.ConflictRetriesTotal.Inc()
		jitter := retryJitterMin + time.Duration(rand.Int63n(int64(retryJitterMax-retryJitterMin)))
		r.sleep(jitter)
	}
}

// ExtractDispatchID recovers the dispatch id from an event, trying the
// redundant embeddings in order of reliability: container env, task group,
// tags, started_by, and finally the store's task-ARN index.
func ExtractDispatchID(ctx context.Context, st store.Store, event *types.TaskStoppedEvent) string {
	for _, c := range event.Containers {
		if id := c.Env["DISPATCH_ID"]; id != "" {
			return id
		}
	}

	if event.Group != "" {
		if rest, ok := strings.CutPrefix(event.Group, "dispatch:"); ok && rest != "" {
			return rest
		}
		if id := uuidPattern.FindString(event.Group); id != "" {
			return id
		}
	}

	for _, key := range []string{"dispatch_id", "dispatchId", "DISPATCH_ID"} {
		if id := event.Tags[key]; id != "" {
			return id
		}
	}

	if id := uuidPattern.FindString(event.StartedBy); id != "" {
		return id
	}

	if event.TaskARN != "" {
		if d, err := st.FindByTaskARN(ctx, event.TaskARN); err == nil && d != nil {
			return d.DispatchID
		}
	}
	return ""
}

// MapTerminalStatus decides the terminal status for a stopped task from the
// platform stop code, the stopped reason, and the main container's exit
// code. Rules are ordered; the first match wins.
func MapTerminalStatus(event *types.TaskStoppedEvent) (types.DispatchStatus, string) {
	reason := strings.ToLower(event.StoppedReason)
	mc := event.MainContainer()

	if event.StopCode == types.StopUserInitiated {
		if strings.Contains(reason, "cancel") || strings.Contains(reason, "abort") {
			return types.StatusCancelled, event.StoppedReason
		}
		if mc != nil && mc.ExitCode == nil && mc.StartedAt == nil {
			return types.StatusCancelled, "cancelled before the container started"
		}
	}

	if strings.Contains(reason, "timeout") ||
		strings.Contains(reason, "timed out") ||
		strings.Contains(reason, "exceeded time limit") {
		return types.StatusTimeout, event.StoppedReason
	}

	if strings.Contains(reason, "error") ||
		strings.Contains(reason, "failed") ||
		strings.Contains(reason, "oom") ||
		strings.Contains(reason, "out of memory") {
		return types.StatusFailed, event.StoppedReason
	}

	if event.StopCode == types.StopTaskFailedToStart {
		return types.StatusFailed, "task failed to start: " + event.StoppedReason
	}

	if mc != nil && mc.ExitCode != nil {
		if *mc.ExitCode == 0 {
			return types.StatusCompleted, ""
		}
		return types.StatusFailed, mc.Reason
	}

	if event.StopCode == types.StopSpotInterruption || event.StopCode == types.StopTerminationNotice {
		return types.StatusFailed, "capacity reclaimed: " + event.StoppedReason
	}

	metrics.StatusMapFallthroughTotal.Inc()
	return types.StatusFailed, event.StoppedReason
}
