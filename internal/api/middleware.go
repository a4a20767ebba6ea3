package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/logging"
	"options-dekho/internal/models"
)

type identityKey struct{}

// identityFrom returns the authenticated caller. Only valid behind authMiddleware.
func identityFrom(ctx context.Context) models.Identity {
	id, _ := ctx.Value(identityKey{}).(models.Identity)
	return id
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestMiddleware assigns a request id, attaches a request-scoped logger and
// records the access log and HTTP metrics.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := s.logger.With().Str("request_id", reqID).Logger()
		ctx := logging.WithRequestID(r.Context(), reqID)
		ctx = logging.WithLogger(ctx, logger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(route, r.Method, rec.status, elapsed)
		logging.LogRequest(logger, r.Method, r.URL.Path, rec.status, elapsed)
	})
}

// recoverMiddleware turns a handler panic into a 500 envelope.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger := logging.FromContext(r.Context())
				logger.Error().
					Str("panic", fmt.Sprint(v)).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				writeEnvelope(w, http.StatusInternalServerError, Response{Error: "internal server error", Simulated: s.simulated})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the configured UI origins. "*" allows any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Data-Source")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// dataSourceMiddleware labels every response with where prices come from.
func (s *Server) dataSourceMiddleware(next http.Handler) http.Handler {
	source := "live"
	if s.simulated {
		source = "simulated"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Data-Source", source)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the bearer token and stores the caller's identity.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.sendError(w, r, fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthenticated))
			return
		}

		identity, err := s.auth.VerifyBearerToken(token)
		if err != nil {
			s.sendError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		logger := logging.WithUser(logging.FromContext(ctx), identity.UserID)
		ctx = logging.WithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
