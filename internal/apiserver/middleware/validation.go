// Package middleware provides HTTP middleware for request validation and processing.
package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"

	chi "github.com/go-chi/chi/v5"
)

const (
	// MaxRequestBodySize is the maximum allowed request body size (32MB).
	// Deployment plans carry inline artifact content, so the limit is
	// generous compared to a typical JSON API.
	MaxRequestBodySize = 32 * 1024 * 1024
)

// ValidationError represents a validation error response
type ValidationError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// IDValidator creates a middleware that validates deployment IDs in URL parameters
func IDValidator(paramName string) func(http.Handler) http.Handler {
	// Valid ID pattern: alphanumeric, hyphens and colons, 1-100 characters
	validIDPattern := regexp.MustCompile(`^[a-zA-Z0-9:-]{1,100}$`)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, paramName)

			if id == "" {
				writeValidationError(w, fmt.Sprintf("%s is required", paramName), paramName)
				return
			}

			if !validIDPattern.MatchString(id) {
				writeValidationError(w, fmt.Sprintf("%s contains invalid characters or is too long", paramName), paramName)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PlanValidator creates a middleware that shallow-checks deployment plan bodies
// before the handler decodes them. It catches oversized and malformed payloads
// early and rejects plans that are obviously missing their target environment.
func PlanValidator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isModifyingRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := parseAndRestoreBody(r)
			if err != nil {
				writeValidationError(w, err.Error(), "body")
				return
			}

			if err := validateEnvironmentField(body); err != nil {
				writeValidationError(w, err.Error(), "environment_id")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isModifyingRequest checks if the request method modifies data
func isModifyingRequest(r *http.Request) bool {
	return r.Method == http.MethodPost || r.Method == http.MethodPut
}

// parseAndRestoreBody reads, parses, and restores the request body with size limit
func parseAndRestoreBody(r *http.Request) (map[string]interface{}, error) {
	limitedReader := io.LimitReader(r.Body, MaxRequestBodySize)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body")
	}

	// Check if we hit the limit by trying to read one more byte
	if n, _ := io.Copy(io.Discard, r.Body); n > 0 {
		return nil, fmt.Errorf("request body too large (max %d bytes)", MaxRequestBodySize)
	}

	_ = r.Body.Close()

	var body map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON in request body")
	}

	// Restore the body for the next handler
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	return body, nil
}

// validateEnvironmentField checks the environment_id field when present
func validateEnvironmentField(body map[string]interface{}) error {
	raw, present := body["environment_id"]
	if !present {
		return fmt.Errorf("environment_id is required")
	}

	envID, ok := raw.(string)
	if !ok || envID == "" {
		return fmt.Errorf("environment_id must be a non-empty string")
	}

	if len(envID) > 100 {
		return fmt.Errorf("environment_id must be less than 100 characters")
	}

	return nil
}

// ContentTypeValidator ensures requests have proper content type
func ContentTypeValidator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only validate on requests with body
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				if r.ContentLength > 0 || r.Header.Get("Transfer-Encoding") != "" {
					contentType := r.Header.Get("Content-Type")
					if contentType != "application/json" {
						writeValidationError(w, "Content-Type must be application/json", "header")
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeValidationError writes a validation error response
func writeValidationError(w http.ResponseWriter, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	response := ValidationError{
		Error:   "validation_error",
		Message: message,
		Field:   field,
	}

	_ = json.NewEncoder(w).Encode(response)
}
