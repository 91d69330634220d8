package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
)

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	params := appAudit.QueryParams{
		EntityType: optionalQuery(r, "entityType"),
		EntityID:   optionalQuery(r, "entityId"),
		Action:     optionalQuery(r, "action"),
		Actor:      optionalQuery(r, "actor"),
		RiskLevel:  optionalQuery(r, "riskLevel"),
		Cursor:     optionalQuery(r, "cursor"),
	}
	if v := r.URL.Query().Get("tags"); v != "" {
		params.Tags = splitCSV(v)
	}
	for key, dst := range map[string]**time.Time{"startTime": &params.StartTime, "endTime": &params.EndTime} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", key+" must be RFC3339")
			return
		}
		*dst = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			params.Limit = l
		}
	}
	res, err := s.auditSvc.Query(r.Context(), actor(r).Actor(), params)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid auditId")
		return
	}
	log, err := s.auditSvc.GetByID(r.Context(), actor(r).Actor(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, log)
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid auditId")
		return
	}
	res, err := s.auditSvc.VerifyIntegrity(r.Context(), actor(r).Actor(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) entityHistory(w http.ResponseWriter, r *http.Request) {
	entityType := audit.EntityType(chi.URLParam(r, "entityType"))
	logs, err := s.auditSvc.GetEntityHistory(r.Context(), actor(r).Actor(), entityType, chi.URLParam(r, "entityId"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*audit.AuditLog{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func splitCSV(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
