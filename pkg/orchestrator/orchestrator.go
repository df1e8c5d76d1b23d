package orchestrator

import (
	"context"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/quota"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

// defaultTimeoutSeconds applies when a request leaves timeout_seconds unset.
const defaultTimeoutSeconds = 3600

// coldStartEstimate pads estimated_start_time when no warm slot was
// available and the container image must be pulled.
const coldStartEstimate = 30 * time.Second

// poolExhaustedRetryAfter hints how long a caller should wait before
// retrying after a pool-exhausted failure.
const poolExhaustedRetryAfter = 30

var repoURLPattern = regexp.MustCompile(`^(https://[\w.\-]+/[\w.\-~/]+|git@[\w.\-]+:[\w.\-~/]+)$`)

// DispatchRequest is a validated request for new agent work.
type DispatchRequest struct {
	UserID            string                     `json:"-" validate:"required"`
	AgentKind         types.AgentKind            `json:"agent" validate:"required"`
	Task              string                     `json:"task" validate:"required,min=10,max=50000"`
	ModelID           string                     `json:"model_id,omitempty"`
	RepoURL           string                     `json:"repo,omitempty"`
	Branch            string                     `json:"branch,omitempty"`
	WorkspaceInitMode types.WorkspaceInitMode    `json:"workspace_init_mode,omitempty"`
	TimeoutSeconds    int                        `json:"timeout_seconds,omitempty" validate:"omitempty,min=30,max=86400"`
	Resources         *types.ResourceConstraints `json:"resource_constraints,omitempty"`
	AdditionalSecrets []string                   `json:"additional_secrets,omitempty"`
	IdempotencyKey    string                     `json:"idempotency_key,omitempty"`
	Tags              map[string]string          `json:"tags,omitempty"`

	// ExpiresAt overrides the record retention deadline. It must lie in
	// the future and within the default retention window.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// DispatchResponse is the accepted-dispatch identity returned to the caller.
type DispatchResponse struct {
	DispatchID         string               `json:"dispatch_id"`
	Status             types.DispatchStatus `json:"status"`
	AgentKind          types.AgentKind      `json:"agent"`
	ModelID            string               `json:"model_id"`
	EstimatedStartTime time.Time            `json:"estimated_start_time"`
	Idempotent         bool                 `json:"idempotent,omitempty"`
}

// TaskRunner launches and stops dispatch containers.
type TaskRunner interface {
	Launch(ctx context.Context, d *types.Dispatch) (string, error)
	Stop(ctx context.Context, taskARN, reason string) error
}

// SlotPool hands out and reclaims warm slots.
type SlotPool interface {
	Checkout(kind types.AgentKind, dispatchID string) *types.WarmSlot
	Return(kind types.AgentKind, slotID string, outcome types.SlotOutcome)
}

// Orchestrator is the façade for new dispatch work: validation, idempotent
// replay, quota, record creation, slot checkout, launch, and the
// PENDING→RUNNING transition.
type Orchestrator struct {
	store    store.Store
	pool     SlotPool
	runner   TaskRunner
	quota    *quota.Checker
	cfg      config.Config
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires the orchestrator façade.
func New(st store.Store, pool SlotPool, runner TaskRunner, qc *quota.Checker, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		pool:     pool,
		runner:   runner,
		quota:    qc,
		cfg:      cfg,
		validate: validator.New(),
		logger:   log.WithComponent("orchestrator"),
		now:      time.Now,
	}
}

// Dispatch accepts a request and drives it to RUNNING (or a terminal
// failure). The returned response identifies the dispatch; progress from
// here on is read through the status tracker.
func (o *Orchestrator) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.FindByIdempotency(ctx, req.UserID, req.IdempotencyKey)
		if err == nil && existing != nil {
			return &DispatchResponse{
				DispatchID:         existing.DispatchID,
				Status:             existing.Status,
				AgentKind:          existing.AgentKind,
				ModelID:            existing.ModelID,
				EstimatedStartTime: existing.StartedAt,
				Idempotent:         true,
			}, nil
		}
	}

	if err := o.quota.Check(ctx, req.UserID); err != nil {
		return nil, err
	}

	agent := o.cfg.Agents[req.AgentKind]
	modelID := req.ModelID
	if modelID == "" {
		modelID = agent.DefaultModelID
	}

	d := &types.Dispatch{
		DispatchID:        uuid.New().String(),
		UserID:            req.UserID,
		AgentKind:         req.AgentKind,
		ModelID:           modelID,
		Tags:              req.Tags,
		Task:              req.Task,
		RepoURL:           req.RepoURL,
		Branch:            req.Branch,
		WorkspaceInitMode: req.WorkspaceInitMode,
		TimeoutSeconds:    req.TimeoutSeconds,
		Resources:         req.Resources,
		AdditionalSecrets: req.AdditionalSecrets,
		IdempotencyKey:    req.IdempotencyKey,
		StartedAt:         o.now().UTC(),
	}
	if req.ExpiresAt != nil {
		d.ExpiresAt = req.ExpiresAt.Unix()
	}
	if err := o.store.Create(ctx, d); err != nil {
		return nil, err
	}

	slot := o.pool.Checkout(d.AgentKind, d.DispatchID)
	if slot == nil {
		o.failDispatch(ctx, d, "pool exhausted")
		err := errdefs.Unavailable(nil, "pool exhausted for agent %s", d.AgentKind)
		err.RetryAfterSeconds = poolExhaustedRetryAfter
		return nil, err
	}

	taskARN, err := o.runner.Launch(ctx, d)
	if err != nil {
		o.pool.Return(d.AgentKind, slot.SlotID, types.SlotOutcomeFaulted)
		o.failDispatch(ctx, d, err.Error())
		return nil, err
	}

	if _, err := o.store.UpdateStatus(ctx, d.DispatchID, d.Version, types.StatusRunning, types.StatusPatch{TaskARN: taskARN}); err != nil {
		if errdefs.IsConflict(err) {
			// The client cancelled between create and launch. Honor it.
			o.logger.Info().
				Str("dispatch_id", d.DispatchID).
				Msg("Dispatch cancelled during launch; stopping task")
			if stopErr := o.runner.Stop(ctx, taskARN, "cancelled during launch"); stopErr != nil {
				o.logger.Warn().Err(stopErr).
					Str("dispatch_id", d.DispatchID).
					Msg("Failed to stop task for cancelled dispatch")
			}
			o.pool.Return(d.AgentKind, slot.SlotID, types.SlotOutcomeFaulted)
			return nil, errdefs.Conflict("dispatch %s was cancelled", d.DispatchID)
		}
		return nil, err
	}

	metrics.DispatchesInFlight.Inc()

	estimate := o.now().UTC()
	if slot.CreatedAt.After(estimate.Add(-time.Second)) {
		// Cold slot provisioned for this dispatch; the image pull is ahead.
		estimate = estimate.Add(coldStartEstimate)
	}

	o.logger.Info().
		Str("dispatch_id", d.DispatchID).
		Str("user_id", d.UserID).
		Str("agent", string(d.AgentKind)).
		Str("task_arn", taskARN).
		Msg("Dispatch running")

	return &DispatchResponse{
		DispatchID:         d.DispatchID,
		Status:             types.StatusRunning,
		AgentKind:          d.AgentKind,
		ModelID:            d.ModelID,
		EstimatedStartTime: estimate,
	}, nil
}

// Cancel stops a dispatch. Terminal dispatches report success unchanged;
// RUNNING dispatches are finalized by the inbound terminal event, not here.
func (o *Orchestrator) Cancel(ctx context.Context, dispatchID, userID, reason string) (*types.Dispatch, error) {
	d, err := o.store.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, errdefs.Authorization("dispatch %s does not belong to caller", dispatchID)
	}
	if d.Status.Terminal() {
		return d, nil
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	switch d.Status {
	case types.StatusPending:
		now := o.now().UTC()
		updated, err := o.store.UpdateStatus(ctx, dispatchID, d.Version, types.StatusCancelled, types.StatusPatch{
			ErrorMessage: reason,
			EndedAt:      &now,
		})
		if err != nil {
			return nil, err
		}
		return updated, nil

	case types.StatusRunning:
		if err := o.runner.Stop(ctx, d.TaskARN, reason); err != nil {
			return nil, err
		}
		// Optimistic stamp only; a conflict means the terminal event beat
		// us, which is the outcome we wanted anyway.
		updated, err := o.store.UpdateStatus(ctx, dispatchID, d.Version, types.StatusRunning, types.StatusPatch{
			ErrorMessage: reason,
		})
		if err != nil {
			if errdefs.IsConflict(err) {
				return o.store.Get(ctx, dispatchID)
			}
			return nil, err
		}
		return updated, nil
	}
	return d, nil
}

func (o *Orchestrator) failDispatch(ctx context.Context, d *types.Dispatch, msg string) {
	if _, err := o.store.MarkFailed(ctx, d.DispatchID, d.Version, types.StatusPatch{ErrorMessage: msg}); err != nil {
		o.logger.Error().Err(err).
			Str("dispatch_id", d.DispatchID).
			Msg("Failed to mark dispatch FAILED")
	}
}

func (o *Orchestrator) validateRequest(req *DispatchRequest) error {
	if !req.AgentKind.Valid() {
		return errdefs.Validation("unknown agent kind: %s", req.AgentKind)
	}
	if _, ok := o.cfg.Agents[req.AgentKind]; !ok {
		return errdefs.Validation("agent %s is not configured", req.AgentKind)
	}

	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}
	if req.WorkspaceInitMode == "" {
		if req.RepoURL != "" {
			req.WorkspaceInitMode = types.WorkspaceInitFull
		} else {
			req.WorkspaceInitMode = types.WorkspaceInitNone
		}
	}
	if !req.WorkspaceInitMode.Valid() {
		return errdefs.Validation("invalid workspace_init_mode: %s", req.WorkspaceInitMode)
	}
	if req.RepoURL != "" && !repoURLPattern.MatchString(req.RepoURL) {
		return errdefs.Validation("invalid repo url")
	}
	if req.Branch != "" && req.RepoURL == "" {
		return errdefs.Validation("branch requires a repo url")
	}
	if req.ExpiresAt != nil {
		now := o.now().UTC()
		if !req.ExpiresAt.After(now) {
			return errdefs.Validation("expires_at must be in the future")
		}
		if req.ExpiresAt.After(now.AddDate(0, 0, types.RetentionDays)) {
			return errdefs.Validation("expires_at cannot exceed the %d-day retention window", types.RetentionDays)
		}
	}

	if err := o.validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			return errdefs.Validation("invalid field %s: failed %s constraint", f.Field(), f.Tag())
		}
		return errdefs.Validation("invalid request: %v", err)
	}
	return nil
}
