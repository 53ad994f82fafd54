package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/identity"
	"github.com/ashureev/aj-server/internal/store"
)

// ModuleHandler serves the caller's profile and module definitions.
type ModuleHandler struct {
	*Handler
	aiEnabled bool
}

// NewModuleHandler creates a module handler.
func NewModuleHandler(base *Handler, aiEnabled bool) *ModuleHandler {
	return &ModuleHandler{Handler: base, aiEnabled: aiEnabled}
}

// RegisterRoutes registers module routes.
func (h *ModuleHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/modules", h.ListModules)
	r.Get("/api/modules/{moduleID}", h.GetModule)
	r.Get("/api/modules/{moduleID}/entries", h.ListEntries)
}

// GetMe returns the current user's information.
func (h *ModuleHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.UserID,
		"created_at": user.CreatedAt,
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *ModuleHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled": h.aiEnabled,
	})
}

// ListModules returns the caller's modules.
func (h *ModuleHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	modules, err := h.repo.ListModules(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list modules", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list modules")
		return
	}
	if modules == nil {
		modules = []*domain.Module{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"modules": modules})
}

// GetModule returns one module definition.
func (h *ModuleHandler) GetModule(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	module, err := h.repo.GetModule(r.Context(), userID, chi.URLParam(r, "moduleID"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		slog.Error("Failed to get module", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to get module")
		return
	}
	JSON(w, http.StatusOK, module)
}

// ListEntries returns a module's entries, newest first, optionally filtered
// by the schema query parameter.
func (h *ModuleHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	moduleID := chi.URLParam(r, "moduleID")
	if _, err := h.repo.GetModule(r.Context(), userID, moduleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "module not found")
			return
		}
		slog.Error("Failed to get module", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	entries, err := h.repo.ListEntries(r.Context(), userID, moduleID, r.URL.Query().Get("schema"))
	if err != nil {
		slog.Error("Failed to list entries", "error", err, "user_id", userID, "module_id", moduleID)
		Error(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []*domain.Entry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
