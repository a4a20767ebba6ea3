package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"options-dekho/internal/watchlist"
)

func (s *Server) handleWatchlistList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.watchlist.List(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var in watchlist.EntryInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.sendError(w, r, err)
		return
	}

	entry, err := s.watchlist.Add(r.Context(), identityFrom(r.Context()).UserID, in)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}

type replaceRequest struct {
	Entries []watchlist.EntryInput `json:"entries"`
}

// handleWatchlistReplace overwrites the caller's list with the body's order.
func (s *Server) handleWatchlistReplace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	entries, err := s.watchlist.ReplaceAll(r.Context(), identityFrom(r.Context()).UserID, req.Entries)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleWatchlistDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.watchlist.Delete(r.Context(), identityFrom(r.Context()).UserID, id); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleWatchlistQuotes(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r)
	quotes, err := s.pricing.WatchlistQuotes(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	logger.Debug().Int("entries", len(quotes)).Msg("Priced watchlist")
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": quotes})
}
