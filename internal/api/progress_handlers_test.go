package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imgharvest/internal/progress/sinks"
)

type staticSource struct {
	snap sinks.Snapshot
}

func (s staticSource) Snapshot() sinks.Snapshot { return s.snap }

func newStatusRouter(source StatusSource) http.Handler {
	h := NewStatusHandler(source, nil)
	r := chi.NewRouter()
	r.Get("/status", h.Board)
	r.Get("/status/{category}", h.Category)
	return r
}

func TestStatusHandler_Category(t *testing.T) {
	t.Parallel()

	router := newStatusRouter(staticSource{snap: sinks.Snapshot{Categories: []sinks.CategoryStatus{
		{Category: "n001", Outcome: "done", Count: 10},
		{Category: "n002", Running: true, Count: 3},
	}}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/n002", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st sinks.CategoryStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "n002", st.Category)
	require.True(t, st.Running)
	require.Equal(t, 3, st.Count)
}

func TestStatusHandler_CategoryNotFound(t *testing.T) {
	t.Parallel()

	router := newStatusRouter(staticSource{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "category not found")
}

func TestStatusHandler_Unavailable(t *testing.T) {
	t.Parallel()

	router := newStatusRouter(nil)
	for _, path := range []string{"/status", "/status/n001"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
