package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Response is the envelope every endpoint returns.
type Response struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	Error        string      `json:"error,omitempty"`
	RequiresAuth bool        `json:"requiresAuth,omitempty"`
	Simulated    bool        `json:"simulated,omitempty"`
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, Response{Success: true, Data: data, Simulated: s.simulated})
}

func writeEnvelope(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch apperrors.Classify(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthRequired, apperrors.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindUpstream:
		return http.StatusBadGateway
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a failed envelope. Internal and persistence
// failures are logged and replaced with a generic message.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := apperrors.Classify(err)
	resp := Response{
		Success:      false,
		Error:        err.Error(),
		RequiresAuth: kind == apperrors.KindAuthRequired,
		Simulated:    s.simulated,
	}

	logger := logging.FromContext(r.Context())
	switch kind {
	case apperrors.KindInternal, apperrors.KindPersistence:
		logger.Error().Err(err).Str("kind", kind.String()).Msg("Request failed")
		resp.Error = "internal server error"
	case apperrors.KindUpstream, apperrors.KindTimeout:
		logger.Warn().Err(err).Str("kind", kind.String()).Msg("Broker request failed")
	case apperrors.KindUnauthenticated:
		resp.Error = unauthenticatedMessage(err)
	}

	writeEnvelope(w, status, resp)
}

func unauthenticatedMessage(err error) string {
	if errors.Is(err, apperrors.ErrInvalidCredentials) {
		return "invalid email or password"
	}
	return "authentication required"
}

// decodeJSON decodes a bounded JSON body into v. Malformed input is a
// validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewValidationError("body", "", "request body is required")
		}
		return apperrors.NewValidationError("body", "", "invalid JSON body: "+err.Error())
	}
	return nil
}

func requestLogger(r *http.Request) zerolog.Logger {
	return logging.FromContext(r.Context())
}
