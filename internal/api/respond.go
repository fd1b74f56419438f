package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/walletscope/walletscope/internal/domain"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorBody(kind, message string) errorResponse {
	return errorResponse{Error: errorDetail{Kind: kind, Message: message}}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindRestricted:
		return http.StatusForbidden
	case domain.KindAlreadyRunning:
		return http.StatusConflict
	case domain.KindExternalUnavailable, domain.KindRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageOf extracts the human-readable message without the kind prefix.
func messageOf(err error) string {
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		return tagged.Message
	}

	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}

	writeJSON(w, status, errorBody(string(kind), messageOf(err)))
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(v)
	if err != nil {
		return domain.WrapError(domain.KindInvalidInput, err, "malformed request body")
	}

	return nil
}
