package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"parley-backend/internal/models"
	"parley-backend/internal/services"
)

type ModelConfigHandler struct {
	service *services.ModelConfigService
}

func NewModelConfigHandler(service *services.ModelConfigService) *ModelConfigHandler {
	return &ModelConfigHandler{service: service}
}

func (h *ModelConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	configs, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if configs == nil {
		configs = []*models.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": configs})
}

func (h *ModelConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	config, err := h.service.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (h *ModelConfigHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.ModelConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	config, err := h.service.Create(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, config)
}

func (h *ModelConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.ModelConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	config, err := h.service.Update(r.Context(), chi.URLParam(r, "key"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (h *ModelConfigHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Model config deleted"})
}
