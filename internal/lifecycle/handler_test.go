package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"mancanexus/internal/circulation"
	"mancanexus/internal/httpapi"
	"mancanexus/internal/journal"
	"mancanexus/internal/seating"
)

func newTestRouter(e *testEnv) http.Handler {
	r := chi.NewRouter()
	NewHandler(e.svc, nil).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) httpapi.ErrorBody {
	t.Helper()
	var body httpapi.ErrorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestHandler_SeatFlow(t *testing.T) {
	e := newTestEnv()
	h := newTestRouter(e)
	seat := e.addSeat(t)
	member := e.addMember(t)

	rr := do(t, h, http.MethodPost, "/seats/"+seat.String()+"/assign", `{"member_id":"`+member.String()+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var got seating.Seat
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, seating.StatusOccupied, got.Status)

	rr = do(t, h, http.MethodPost, "/seats/"+seat.String()+"/assign", `{"member_id":"`+e.addMember(t).String()+`"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "seat_not_available", decodeError(t, rr).Code)

	rr = do(t, h, http.MethodGet, "/seats?status=OCCUPIED", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var seats []seating.Seat
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&seats))
	assert.Len(t, seats, 1)

	rr = do(t, h, http.MethodPost, "/seats/"+seat.String()+"/release", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/seats/"+seat.String()+"/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var history []journal.Event
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&history))
	assert.Len(t, history, 2)
}

func TestHandler_RentalFlow(t *testing.T) {
	e := newTestEnv()
	h := newTestRouter(e)
	member := e.addMember(t)
	item := e.addItem(t)

	rr := do(t, h, http.MethodPost, "/rentals", `{"member_id":"`+member.String()+`","item_id":"`+item.String()+`","rental_days":3}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var rental circulation.RentalView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rental))
	assert.Equal(t, t0.AddDate(0, 0, 3), rental.DueAt.UTC())

	e.clock.Advance(4 * 24 * time.Hour)
	rr = do(t, h, http.MethodGet, "/rentals/"+rental.ID.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"is_overdue":true`)

	rr = do(t, h, http.MethodPost, "/sweeps/overdue", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"marked":1}`, rr.Body.String())

	rr = do(t, h, http.MethodPost, "/rentals", `{"member_id":"`+member.String()+`","item_id":"`+e.addItem(t).String()+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "has_overdue", decodeError(t, rr).Code)

	rr = do(t, h, http.MethodGet, "/rentals?status=OVERDUE&member_id="+member.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	var listed []circulation.RentalView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&listed))
	assert.Len(t, listed, 1)

	rr = do(t, h, http.MethodPost, "/rentals/"+rental.ID.String()+"/return", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPost, "/rentals/"+rental.ID.String()+"/return", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_returned", decodeError(t, rr).Code)
}

func TestHandler_BadRequests(t *testing.T) {
	e := newTestEnv()
	h := newTestRouter(e)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"invalid seat id", http.MethodGet, "/seats/nope", "", http.StatusBadRequest, "bad_request"},
		{"unknown seat", http.MethodGet, "/seats/" + uuid.NewString(), "", http.StatusNotFound, "not_found"},
		{"missing member", http.MethodPost, "/seats/" + uuid.NewString() + "/assign", `{}`, http.StatusBadRequest, "bad_request"},
		{"bad seat status", http.MethodGet, "/seats?status=BROKEN", "", http.StatusBadRequest, "bad_request"},
		{"bad rental status", http.MethodGet, "/rentals?status=LOST", "", http.StatusBadRequest, "bad_request"},
		{"malformed checkout", http.MethodPost, "/rentals", `{`, http.StatusBadRequest, "bad_request"},
		{"checkout without item", http.MethodPost, "/rentals", `{"member_id":"` + uuid.NewString() + `"}`, http.StatusBadRequest, "bad_request"},
		{"unknown rental", http.MethodPost, "/rentals/" + uuid.NewString() + "/return", "", http.StatusNotFound, "not_found"},
		{"no history", http.MethodGet, "/rentals/" + uuid.NewString() + "/history", "", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decodeError(t, rr).Code)
		})
	}
}

func TestHandler_CheckoutPeriodTooLong(t *testing.T) {
	e := newTestEnv()
	h := newTestRouter(e)
	member := e.addMember(t)
	item := e.addItem(t)

	rr := do(t, h, http.MethodPost, "/rentals", `{"member_id":"`+member.String()+`","item_id":"`+item.String()+`","rental_days":2147483647}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_period", decodeError(t, rr).Code)

	got, err := e.store.GetItem(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, circulation.ItemAvailable, got.Status)
}

func TestHandler_StoreFailure(t *testing.T) {
	e := newTestEnv()
	h := newTestRouter(e)
	seat := e.addSeat(t)
	member := e.addMember(t)
	e.mem.InjectFaults(1, 0)

	rr := do(t, h, http.MethodPost, "/seats/"+seat.String()+"/assign", `{"member_id":"`+member.String()+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "store_unavailable", decodeError(t, rr).Code)
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RateLimit(rate.NewLimiter(rate.Every(time.Hour), 1))(ok)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
