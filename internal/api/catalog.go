package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// TemplateRequest is the body of POST /v1/templates
type TemplateRequest struct {
	Name         string   `json:"name"`
	Channel      string   `json:"channel"`
	Category     string   `json:"category"`
	Subject      *string  `json:"subject,omitempty"`
	Body         string   `json:"body"`
	HTMLBody     *string  `json:"html_body,omitempty"`
	RequiredVars []string `json:"required_vars"`
	OptionalVars []string `json:"optional_vars"`
	Language     string   `json:"language"`
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Name == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name and body are required")
		return
	}
	if !store.ValidChannel(req.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, or webhook")
		return
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	tpl := &store.Template{
		ID:           uuid.New(),
		Name:         req.Name,
		Channel:      req.Channel,
		Category:     req.Category,
		Subject:      req.Subject,
		Body:         req.Body,
		HTMLBody:     req.HTMLBody,
		RequiredVars: req.RequiredVars,
		OptionalVars: req.OptionalVars,
		Language:     language,
		Active:       true,
	}

	if err := h.catalog.CreateTemplate(ctx, tpl); err != nil {
		h.logger.Error("failed to create template", zap.Error(err), zap.String("name", req.Name))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create template", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tpl)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tplID, ok := h.parseID(w, r, "Invalid template ID")
	if !ok {
		return
	}

	tpl, err := h.catalog.GetTemplate(ctx, tplID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
			return
		}
		h.logger.Error("failed to get template", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get template", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tpl)
}

// SubscriptionRequest is the body of subscription create/update calls
type SubscriptionRequest struct {
	TargetURL  string   `json:"target_url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
	Active     *bool    `json:"active,omitempty"`
}

func (h *Handler) validateSubscription(w http.ResponseWriter, req *SubscriptionRequest) bool {
	if req.TargetURL == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing target_url", "target_url is required")
		return false
	}
	if req.Secret == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing secret", "secret is required to sign deliveries")
		return false
	}
	if len(req.EventTypes) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing event_types", "at least one event type is required")
		return false
	}
	return true
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !h.validateSubscription(w, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	sub := &store.Subscription{
		ID:         uuid.New(),
		TargetURL:  req.TargetURL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Active:     active,
	}

	if err := h.catalog.CreateSubscription(ctx, sub); err != nil {
		h.logger.Error("failed to create subscription", zap.Error(err), zap.String("target_url", req.TargetURL))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create subscription", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sub)
}

// GetSubscription handles GET /v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subID, ok := h.parseID(w, r, "Invalid subscription ID")
	if !ok {
		return
	}

	sub, err := h.catalog.GetSubscription(ctx, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
			return
		}
		h.logger.Error("failed to get subscription", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get subscription", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sub)
}

// UpdateSubscription handles PUT /v1/subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subID, ok := h.parseID(w, r, "Invalid subscription ID")
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !h.validateSubscription(w, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	sub := &store.Subscription{
		ID:         subID,
		TargetURL:  req.TargetURL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Active:     active,
	}

	if err := h.catalog.UpdateSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
			return
		}
		h.logger.Error("failed to update subscription", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update subscription", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sub)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subID, ok := h.parseID(w, r, "Invalid subscription ID")
	if !ok {
		return
	}

	if err := h.catalog.DeleteSubscription(ctx, subID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
			return
		}
		h.logger.Error("failed to delete subscription", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to delete subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListProviders handles GET /v1/providers
// Returns health and failure counters for every registered provider.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetProvider handles POST /v1/providers/{name}/reset
// Clears failure counters and re-enables a disabled provider.
func (h *Handler) ResetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	entry, ok := h.registry.Lookup(name)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "Provider not found", "")
		return
	}

	entry.Health.Reset()
	h.logger.Info("provider health reset", zap.String("provider", name))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"provider": name,
		"health":   entry.Health.State().String(),
	})
}
