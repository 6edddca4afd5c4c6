// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"net/http"

	"github.com/goccy/go-json"
)

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
