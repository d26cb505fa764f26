package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"breathofnow/internal/core"
	"breathofnow/internal/entitlement"
	"breathofnow/internal/types"
)

// EntitlementService is the subset of *entitlement.Service the handler uses.
type EntitlementService interface {
	Get(ctx context.Context, userID string) (types.EntitlementView, error)
	Mutate(ctx context.Context, userID string, action types.EntitlementAction, appID string) (entitlement.MutationResult, error)
	HasAccess(ctx context.Context, userID, appID string) (bool, error)
}

// ChangeHistory reads the app-change audit trail.
type ChangeHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]types.AppChangeLogEntry, error)
}

const defaultHistoryLimit = 20

// EntitlementHandler serves the authenticated user's app-slot state.
type EntitlementHandler struct {
	service   EntitlementService
	history   ChangeHistory
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler. history may be nil,
// in which case the history route is not mounted.
func NewEntitlementHandler(service EntitlementService, history ChangeHistory, v *core.Validator, logger *slog.Logger) *EntitlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	return &EntitlementHandler{service: service, history: history, validator: v, logger: logger}
}

// RegisterRoutes mounts the entitlement endpoints. All require a user.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Route("/entitlements", func(r chi.Router) {
		r.Use(core.RequireUser)
		r.Get("/", h.Get)
		r.Post("/apps", h.Mutate)
		r.Get("/apps/{appID}/access", h.HasAccess)
		if h.history != nil {
			r.Get("/history", h.History)
		}
	})
}

// Get returns the caller's tier, selection and cooldown state.
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	view, err := h.service.Get(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, view)
}

type mutateRequest struct {
	AppID  string `json:"app_id" validate:"required"`
	Action string `json:"action" validate:"required,entitlement_action"`
}

// Mutate applies select, deselect or make_primary to the caller's profile.
//
//	POST /v1/entitlements/apps {"app_id":"journal","action":"select"}
//
// Rejections (no slot, cooldown, wrong tier, stale view) are returned as
// error envelopes with their reason code and leave the profile unchanged.
func (h *EntitlementHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	var req mutateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.Mutate(r.Context(), actor.ID, types.EntitlementAction(req.Action), req.AppID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus() < http.StatusInternalServerError {
			err = appErr.WithDetails(map[string]any{"action": req.Action, "app_id": req.AppID})
		}
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, result)
}

type accessResponse struct {
	AppID     string `json:"app_id"`
	HasAccess bool   `json:"has_access"`
}

// HasAccess answers the feature gate for one app.
func (h *EntitlementHandler) HasAccess(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())
	appID := chi.URLParam(r, "appID")

	ok, err := h.service.HasAccess(r.Context(), actor.ID, appID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, accessResponse{AppID: appID, HasAccess: ok})
}

// History returns the caller's most recent app changes, newest first.
//
//	GET /v1/entitlements/history?limit=20
func (h *EntitlementHandler) History(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationFailed,
				"limit must be a positive integer", err, map[string]any{"limit": raw}))
			return
		}
		limit = n
	}

	entries, err := h.history.ListByUser(r.Context(), actor.ID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.AppChangeLogEntry{}
	}
	core.Data(w, r, http.StatusOK, entries)
}
