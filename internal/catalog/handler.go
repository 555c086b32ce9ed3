package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mancanexus/internal/httpapi"
	"mancanexus/internal/seating"
	"mancanexus/internal/store"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the item and seat administration endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/items", h.handleAddItem)
	r.Get("/items/{id}", h.handleGetItem)
	r.Post("/seats", h.handleAddSeat)
	r.Put("/seats/{id}/maintenance", h.handleSetMaintenance)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		httpapi.BadRequest(w, err.Error())
	case errors.Is(err, store.ErrNotFound):
		httpapi.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		httpapi.WriteError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, seating.ErrOccupied):
		httpapi.WriteError(w, http.StatusConflict, "seat_occupied", err.Error())
	default:
		httpapi.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}

	item, err := h.service.AddItem(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}

	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) handleAddSeat(w http.ResponseWriter, r *http.Request) {
	var req AddSeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}

	seat, err := h.service.AddSeat(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, seat)
}

func (h *Handler) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Maintenance bool `json:"maintenance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}

	seat, err := h.service.SetSeatMaintenance(r.Context(), id, req.Maintenance)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, seat)
}
