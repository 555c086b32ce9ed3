package membership

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mancanexus/internal/httpapi"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the member endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/members", h.handleRegisterMember)
	r.Get("/members/{id}", h.handleGetMember)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidMember):
		httpapi.BadRequest(w, err.Error())
	case errors.Is(err, ErrMemberNotFound):
		httpapi.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		httpapi.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}

	member, err := h.service.RegisterMember(r.Context(), req.Name, req.Email, req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, member)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, member)
}
