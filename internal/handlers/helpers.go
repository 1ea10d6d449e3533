package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/harvester/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteDomainError maps engine errors onto HTTP status codes and writes the
// standard error response.
func WriteDomainError(w http.ResponseWriter, err error) error {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status": "error",
			"error":  verr.Error(),
			"fields": verr.Fields,
		})
	case errors.Is(err, models.ErrJobNotFound):
		return WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrDuplicateActiveJob), errors.Is(err, models.ErrPrecondition):
		return WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrTransport), errors.Is(err, models.ErrConnectTimeout):
		return WriteError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, models.ErrRemote):
		return WriteError(w, http.StatusBadGateway, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// Helper functions for safe type conversion from map[string]interface{}
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
