package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusConflict, "duplicate", "code taken")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"code taken","code":"duplicate"}`, rr.Body.String())
}

func TestPathID(t *testing.T) {
	id := uuid.New()
	var got uuid.UUID
	r := chi.NewRouter()
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		v, ok := PathID(w, r)
		if !ok {
			return
		}
		got = v
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things/"+id.String(), nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, id, got)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/things/nope", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "bad_request", body.Code)
}
