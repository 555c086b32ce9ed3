package lifecycle

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mancanexus/internal/circulation"
	"mancanexus/internal/httpapi"
	"mancanexus/internal/seating"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Routes mounts the seat, rental and sweep endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/seats", h.handleListSeats)
	r.Get("/seats/{id}", h.handleGetSeat)
	r.Get("/seats/{id}/history", h.handleHistory)
	r.Post("/seats/{id}/assign", h.handleAssignSeat)
	r.Post("/seats/{id}/release", h.handleReleaseSeat)

	r.Get("/rentals", h.handleListRentals)
	r.Post("/rentals", h.handleCheckout)
	r.Get("/rentals/{id}", h.handleGetRental)
	r.Get("/rentals/{id}/history", h.handleHistory)
	r.Post("/rentals/{id}/return", h.handleReturn)

	r.Post("/sweeps/overdue", h.handleSweep)
}

// RateLimit rejects requests beyond the limiter's rate with 429.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httpapi.WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps an operation error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var storeErr *StoreError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotAvailable):
		return http.StatusConflict, "seat_not_available"
	case errors.Is(err, ErrOccupied):
		return http.StatusConflict, "seat_occupied"
	case errors.Is(err, ErrItemUnavailable):
		return http.StatusConflict, "item_unavailable"
	case errors.Is(err, ErrAlreadyReturned):
		return http.StatusConflict, "already_returned"
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, ErrHasOverdue):
		return http.StatusUnprocessableEntity, "has_overdue"
	case errors.Is(err, ErrInvalidPeriod):
		return http.StatusBadRequest, "invalid_period"
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpapi.WriteError(w, status, code, err.Error())
}

func (h *Handler) handleAssignSeat(w http.ResponseWriter, r *http.Request) {
	seatID, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}
	if req.MemberID == uuid.Nil {
		httpapi.BadRequest(w, "member_id is required")
		return
	}

	seat, err := h.service.AssignSeat(r.Context(), seatID, req.MemberID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, seat)
}

func (h *Handler) handleReleaseSeat(w http.ResponseWriter, r *http.Request) {
	seatID, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	seat, err := h.service.ReleaseSeat(r.Context(), seatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, seat)
}

func (h *Handler) handleGetSeat(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	seat, err := h.service.GetSeat(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, seat)
}

func (h *Handler) handleListSeats(w http.ResponseWriter, r *http.Request) {
	var f seating.Filter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st, err := seating.ParseStatus(v)
		if err != nil {
			httpapi.BadRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("type"); v != "" {
		t, err := seating.ParseType(v)
		if err != nil {
			httpapi.BadRequest(w, err.Error())
			return
		}
		f.Type = t
	}

	seats, err := h.service.ListSeats(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if seats == nil {
		seats = []seating.Seat{}
	}
	httpapi.WriteJSON(w, http.StatusOK, seats)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req circulation.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.BadRequest(w, err.Error())
		return
	}
	if req.MemberID == uuid.Nil || req.ItemID == uuid.Nil {
		httpapi.BadRequest(w, "member_id and item_id are required")
		return
	}

	rental, err := h.service.Checkout(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, rental)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	rental, err := h.service.ReturnItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rental)
}

func (h *Handler) handleGetRental(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	rental, err := h.service.GetRental(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rental)
}

func (h *Handler) handleListRentals(w http.ResponseWriter, r *http.Request) {
	var f circulation.RentalFilter
	q := r.URL.Query()
	if v := q.Get("member_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpapi.BadRequest(w, "invalid member_id")
			return
		}
		f.MemberID = &id
	}
	if v := q.Get("item_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpapi.BadRequest(w, "invalid item_id")
			return
		}
		f.ItemID = &id
	}
	if v := q.Get("status"); v != "" {
		st, err := circulation.ParseRentalStatus(v)
		if err != nil {
			httpapi.BadRequest(w, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			httpapi.BadRequest(w, "invalid open flag")
			return
		}
		f.OnlyOpen = open
	}

	rentals, err := h.service.ListRentals(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rentals)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := httpapi.PathID(w, r)
	if !ok {
		return
	}
	evs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(evs) == 0 {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "no history for "+id.String())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, evs)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.SweepOverdue(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]int{"marked": n})
}
