package handlers

import (
	"encoding/json"
	"net/http"
)

// BadRequestError marks a malformed id, replicas factor, or expires value.
type BadRequestError struct{ Message string }

func (e *BadRequestError) Error() string { return e.Message }

// NotFoundError marks a key that is absent, tombstoned, or expired.
type NotFoundError struct{ Key string }

func (e *NotFoundError) Error() string { return "key not found: " + e.Key }

// QuorumFailedError marks fewer than ack replicas answering in time.
type QuorumFailedError struct{}

func (e *QuorumFailedError) Error() string { return "not enough replicas responded" }

// InternalError wraps an engine I/O failure or any other unexpected error.
type InternalError struct{ Message string }

func (e *InternalError) Error() string { return e.Message }

// writeError writes a JSON error body with the status code appropriate
// to err's taxonomy.
func writeError(w http.ResponseWriter, err error) {
	var statusCode int
	var errorType string

	switch err.(type) {
	case *BadRequestError:
		statusCode = http.StatusBadRequest
		errorType = "BadRequest"
	case *NotFoundError:
		statusCode = http.StatusNotFound
		errorType = "NotFound"
	case *QuorumFailedError:
		statusCode = http.StatusGatewayTimeout
		errorType = "QuorumFailed"
	case *InternalError:
		statusCode = http.StatusInternalServerError
		errorType = "IO"
	default:
		statusCode = http.StatusInternalServerError
		errorType = "InternalError"
	}

	response := map[string]interface{}{
		"ok":      false,
		"error":   errorType,
		"message": err.Error(),
		"code":    statusCode,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// writeSuccess writes a JSON success body for status/admin endpoints.
// Entity bodies are raw bytes and never go through this path.
func writeSuccess(w http.ResponseWriter, result interface{}) {
	response := map[string]interface{}{
		"ok":     true,
		"result": result,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
