package httpapi

import (
	"net/http"
	"strconv"
)

type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	acct, err := s.ledgerSvc.Balance(r.Context(), actor(r).Actor(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

func (s *Server) canAfford(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	cost, err := strconv.ParseInt(r.URL.Query().Get("cost"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "cost must be an integer")
		return
	}
	ok, err := s.ledgerSvc.CanAfford(r.Context(), actor(r).Actor(), id, cost)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"userId": id, "cost": cost, "canAfford": ok})
}

func (s *Server) grantTokens(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	acct, err := s.ledgerSvc.Grant(r.Context(), actor(r).Actor(), id, req.Amount, req.Reason)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}
