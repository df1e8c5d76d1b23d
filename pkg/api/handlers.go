package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/orchestrator"
	"github.com/outpost-run/outpost/pkg/status"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, errdefs.Validation("invalid request body: %v", err))
		return
	}
	req.UserID = callerID(r)

	resp, err := s.orch.Dispatch(r.Context(), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Replays of an idempotency key return the original dispatch with the
	// same 201 as the creating request.
	respond(w, r, http.StatusCreated, resp)
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	opts := status.Options{
		SkipLogs:  r.URL.Query().Get("skip_logs") == "true",
		LogOffset: r.URL.Query().Get("log_offset"),
	}
	if v := r.URL.Query().Get("log_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, r, errdefs.Validation("log_limit must be an integer in [1, 1000]"))
			return
		}
		opts.LogLimit = n
	}

	res, err := s.tracker.Status(r.Context(), chi.URLParam(r, "id"), callerID(r), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, res)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Cursor: q.Get("cursor")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			respondError(w, r, errdefs.Validation("limit must be an integer in [1, 100]"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("status"); v != "" {
		opts.Status = types.DispatchStatus(strings.ToUpper(v))
	}
	for _, tag := range q["tag"] {
		k, v, ok := strings.Cut(tag, "=")
		if !ok || k == "" {
			respondError(w, r, errdefs.Validation("tag filter must be key=value"))
			return
		}
		if opts.Tags == nil {
			opts.Tags = make(map[string]string)
		}
		opts.Tags[k] = v
	}

	dispatches, cursor, err := s.store.ListByUser(r.Context(), callerID(r), opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"dispatches":  dispatches,
		"next_cursor": cursor,
	})
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	d, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"), callerID(r), body.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}

	// A RUNNING record stays RUNNING until the stop event finalizes it, but
	// the caller's cancellation has been accepted; report CANCELLED.
	reported := d.Status
	message := "dispatch cancelled"
	switch {
	case d.Status == types.StatusRunning:
		reported = types.StatusCancelled
		message = "cancellation requested; the task is stopping"
	case d.Status.Terminal() && d.Status != types.StatusCancelled:
		message = "dispatch already finished"
	}
	respond(w, r, http.StatusOK, map[string]any{
		"dispatch_id": d.DispatchID,
		"status":      reported,
		"message":     message,
	})
}

// ownedDispatch loads a dispatch and enforces tenant isolation.
func (s *Server) ownedDispatch(r *http.Request, dispatchID string) (*types.Dispatch, error) {
	d, err := s.store.Get(r.Context(), dispatchID)
	if err != nil {
		return nil, err
	}
	if d.UserID != callerID(r) {
		return nil, errdefs.Authorization("dispatch %s does not belong to caller", dispatchID)
	}
	return d, nil
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")
	d, err := s.ownedDispatch(r, dispatchID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var ttl time.Duration
	if v := r.URL.Query().Get("expires_in"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, r, errdefs.Validation("expires_in must be an integer number of seconds"))
			return
		}
		ttl = time.Duration(n) * time.Second
	}

	signed, err := s.artifacts.ListSigned(r.Context(), dispatchID, ttl)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"dispatch_id": d.DispatchID,
		"status":      d.Status,
		"artifacts":   signed,
	})
}

func (s *Server) handlePresignArtifact(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")
	if _, err := s.ownedDispatch(r, dispatchID); err != nil {
		respondError(w, r, err)
		return
	}

	var ttl time.Duration
	if v := r.URL.Query().Get("expires_in"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, r, errdefs.Validation("expires_in must be an integer number of seconds"))
			return
		}
		ttl = time.Duration(n) * time.Second
	}

	url, err := s.artifacts.PresignDownload(r.Context(), dispatchID, chi.URLParam(r, "filename"), ttl)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, url)
}

// workspaceView is the workspace read model derived from dispatch records.
type workspaceView struct {
	WorkspaceID string          `json:"workspace_id"`
	DispatchID  string          `json:"dispatch_id"`
	AgentKind   types.AgentKind `json:"agent"`
	RepoURL     string          `json:"repo_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Active      bool            `json:"active"`
}

func toWorkspace(d *types.Dispatch) workspaceView {
	return workspaceView{
		WorkspaceID: d.WorkspaceID,
		DispatchID:  d.DispatchID,
		AgentKind:   d.AgentKind,
		RepoURL:     d.RepoURL,
		CreatedAt:   d.StartedAt,
		Active:      !d.Status.Terminal(),
	}
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	dispatches, cursor, err := s.store.ListByUser(r.Context(), callerID(r), store.ListOptions{
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	views := []workspaceView{}
	for _, d := range dispatches {
		if d.WorkspaceID != "" {
			views = append(views, toWorkspace(d))
		}
	}
	respond(w, r, http.StatusOK, map[string]any{
		"workspaces":  views,
		"next_cursor": cursor,
	})
}

func (s *Server) findWorkspace(r *http.Request, workspaceID string) (*types.Dispatch, error) {
	cursor := ""
	for {
		dispatches, next, err := s.store.ListByUser(r.Context(), callerID(r), store.ListOptions{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, d := range dispatches {
			if d.WorkspaceID == workspaceID {
				return d, nil
			}
		}
		if next == "" {
			return nil, errdefs.NotFound("workspace not found: %s", workspaceID)
		}
		cursor = next
	}
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	d, err := s.findWorkspace(r, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, toWorkspace(d))
}

// handleReleaseWorkspace releases a workspace by deleting the artifacts of
// its dispatch. The backing container storage is ephemeral and reclaimed by
// the platform when the task stops; the artifacts are the only durable
// state a workspace leaves behind.
func (s *Server) handleReleaseWorkspace(w http.ResponseWriter, r *http.Request) {
	d, err := s.findWorkspace(r, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !d.Status.Terminal() {
		respondError(w, r, errdefs.Conflict("workspace %s is still in use", d.WorkspaceID))
		return
	}

	deleted, err := s.artifacts.Delete(r.Context(), d.DispatchID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"workspace_id":     d.WorkspaceID,
		"released":         true,
		"artifacts_purged": deleted,
	})
}
