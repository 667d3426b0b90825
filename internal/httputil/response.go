// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/nadmax/nexarena/internal/domain"
)

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error to the HTTP status reported for it.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindJudgeParse, domain.KindJudgeNoMatch:
		return http.StatusUnprocessableEntity
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTransport, domain.KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, err.Error(), StatusFor(err))
}
