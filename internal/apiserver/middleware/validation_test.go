package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chi "github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func decodeValidationError(t *testing.T, body io.Reader) ValidationError {
	t.Helper()
	var ve ValidationError
	require.NoError(t, json.NewDecoder(body).Decode(&ve))
	return ve
}

func TestIDValidator(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Route("/deployments/{id}", func(r chi.Router) {
		r.Use(IDValidator("id"))
		r.Get("/", okHandler())
	})

	t.Run("ValidID", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/abc-123", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ColonAllowed", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/dep-1:retry:2", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("InvalidCharacters", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/bad%20id", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		ve := decodeValidationError(t, rec.Body)
		assert.Equal(t, "validation_error", ve.Error)
		assert.Equal(t, "id", ve.Field)
	})

	t.Run("TooLong", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		long := strings.Repeat("a", 101)
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/"+long, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPlanValidator(t *testing.T) {
	t.Parallel()

	var seenBody []byte
	router := chi.NewRouter()
	router.With(PlanValidator()).Post("/deployments", func(w http.ResponseWriter, r *http.Request) {
		seenBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	})
	router.With(PlanValidator()).Get("/deployments", okHandler())

	t.Run("ValidPlanPassesWithBodyIntact", func(t *testing.T) {
		payload := `{"environment_id":"vm-1","artifacts":[]}`
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString(payload)))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, payload, string(seenBody), "middleware must restore the body for the handler")
	})

	t.Run("MissingEnvironmentID", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString(`{"artifacts":[]}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		ve := decodeValidationError(t, rec.Body)
		assert.Equal(t, "environment_id", ve.Field)
	})

	t.Run("EmptyEnvironmentID", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString(`{"environment_id":""}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NonStringEnvironmentID", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString(`{"environment_id":42}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString("{not json")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		ve := decodeValidationError(t, rec.Body)
		assert.Equal(t, "body", ve.Field)
	})

	t.Run("GetRequestsPassThrough", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestContentTypeValidator(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Use(ContentTypeValidator())
	router.Post("/deployments", okHandler())
	router.Get("/deployments", okHandler())

	t.Run("JSONAccepted", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("WrongContentTypeRejected", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/deployments", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("GetWithoutBodyIgnored", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
