package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	apperrors "github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError maps a categorized error onto its HTTP status.
// Server-side failures are logged and their details withheld from the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if apperrors.IsUserError(err) {
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
		return
	}

	logging.FromContext(r.Context()).WithError(err).WithFields(logging.Fields{
		"path": r.URL.Path,
		"code": catErr.Code,
	}).Error("Request failed")

	message := "An internal error occurred"
	if catErr.Category == apperrors.CategoryUpstream {
		message = catErr.Message
	}
	respondError(w, catErr.StatusCode, catErr.Code, message, nil)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses a JSON request body; an empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}
