package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/security"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string          `json:"token"`
	User  models.Identity `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	user, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	token, err := s.auth.Issue(models.Identity{UserID: user.ID, Email: user.Email})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, loginResponse{Token: token, User: models.Identity{UserID: user.ID, Email: user.Email}})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	token, identity, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, loginResponse{Token: token, User: identity})
}

func (s *Server) handleLoginURL(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"loginUrl": s.broker.LoginURL()})
}

type accessTokenRequest struct {
	RequestToken string `json:"request_token"`
}

type accessTokenResponse struct {
	ExpiresAt  string `json:"expiresAt"`
	KiteUserID string `json:"kiteUserId,omitempty"`
	UserName   string `json:"userName,omitempty"`
}

// handleAccessToken completes the broker OAuth handshake and stores the
// resulting session for the caller.
func (s *Server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	var req accessTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	requestToken := strings.TrimSpace(req.RequestToken)
	if requestToken == "" {
		s.sendError(w, r, apperrors.NewValidationError("request_token", "", "request_token is required"))
		return
	}

	identity := identityFrom(r.Context())
	logger := requestLogger(r)
	logger.Info().Str("request_token", security.MaskCredential(requestToken)).Msg("Exchanging broker request token")

	ctx, cancel := context.WithTimeout(r.Context(), s.brokerTimeout)
	defer cancel()
	session, err := s.broker.ExchangeToken(ctx, requestToken)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	token, err := s.tokens.Save(r.Context(), identity.UserID, session.AccessToken, session.KiteUserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, accessTokenResponse{
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
		KiteUserID: token.KiteUserID,
		UserName:   session.UserName,
	})
}


type brokerStatusResponse struct {
	State        models.TokenState `json:"state"`
	ExpiresAt    string            `json:"expiresAt,omitempty"`
	ExpiringSoon bool              `json:"expiringSoon"`
	KiteUserID   string            `json:"kiteUserId,omitempty"`
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tokens.State(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp := brokerStatusResponse{
		State:        status.State,
		ExpiringSoon: status.State == models.TokenExpiringSoon,
		KiteUserID:   status.KiteUserID,
	}
	if status.ExpiresAt != nil {
		resp.ExpiresAt = status.ExpiresAt.Format(time.RFC3339)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Invalidate(r.Context(), identityFrom(r.Context()).UserID, "disconnected"); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// handleTickerURL hands the UI a streaming URL for the caller's session.
func (s *Server) handleTickerURL(w http.ResponseWriter, r *http.Request) {
	token, err := s.tokens.GetValid(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"tickerUrl": s.broker.TickerURL(token.AccessToken)})
}
