package api

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/pricing"
)

// maxLots bounds the lots multiplier accepted from clients.
const maxLots = 10000

type contractResponse struct {
	Contract models.ResolvedContract `json:"contract"`
	Warnings []string                `json:"warnings,omitempty"`
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := pricing.ParseQuery(q.Get("symbol"), q.Get("strike"), q.Get("expiry"), q.Get("type"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	contract, warnings, err := s.pricing.ResolveOnly(r.Context(), identityFrom(r.Context()).UserID, query)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, contractResponse{Contract: contract, Warnings: warnings})
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, ok := models.ParseOptionType(q.Get("type"))
	if !ok {
		s.sendError(w, r, apperrors.NewValidationError("type", q.Get("type"), "type must be CE or PE"))
		return
	}

	expiries, err := s.pricing.Expiries(r.Context(), identityFrom(r.Context()).UserID, q.Get("symbol"), typ)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"expiries": expiries})
}

type quotesRequest struct {
	Instruments []string         `json:"instruments"`
	Mode        models.QuoteMode `json:"mode"`
}

// handleQuotes accepts instruments=a,b on GET or a JSON body on POST.
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	var req quotesRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(w, r, &req); err != nil {
			s.sendError(w, r, err)
			return
		}
	} else {
		req.Instruments = splitList(r.URL.Query().Get("instruments"))
		req.Mode = models.QuoteMode(r.URL.Query().Get("mode"))
	}

	mode, err := parseMode(req.Mode)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	results, err := s.pricing.Quotes(r.Context(), identityFrom(r.Context()).UserID, req.Instruments, mode)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"quotes": results})
}

func (s *Server) handlePremium(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := pricing.ParseQuery(q.Get("symbol"), q.Get("strike"), q.Get("expiry"), q.Get("type"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	lots, err := parseLots(q.Get("lots"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	quote, err := s.pricing.Lookup(r.Context(), identityFrom(r.Context()).UserID, query, lots)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, quote)
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lots, err := parseLots(q.Get("lots"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	result, err := s.pricing.Universe(r.Context(), identityFrom(r.Context()).UserID, splitList(q.Get("symbols")), q.Get("expiry"), lots)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// parseLots reads an optional positive lots multiplier. Empty means one lot.
func parseLots(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLots {
		return 0, apperrors.NewValidationError("lots", raw, "lots must be a whole number between 1 and "+strconv.Itoa(maxLots))
	}
	return n, nil
}

func parseMode(m models.QuoteMode) (models.QuoteMode, error) {
	switch models.QuoteMode(strings.ToLower(string(m))) {
	case "", models.QuoteModeLTP:
		return models.QuoteModeLTP, nil
	case models.QuoteModeFull:
		return models.QuoteModeFull, nil
	default:
		return "", apperrors.NewValidationError("mode", string(m), "mode must be ltp or full")
	}
}

// splitList splits a comma-separated query value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
