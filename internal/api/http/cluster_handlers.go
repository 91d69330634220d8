package httpapi

import (
	"net/http"

	"github.com/facility-hub/facility-hub/internal/infrastructure/replication"
)

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "replication is not enabled")
		return
	}
	respondJSON(w, http.StatusOK, s.cluster.Status())
}

func (s *Server) clusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "replication is not enabled")
		return
	}
	var req replication.JoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "nodeId and raftAddr are required")
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cluster.Status())
}
