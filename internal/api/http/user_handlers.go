package httpapi

import (
	"net/http"

	appUser "github.com/facility-hub/facility-hub/internal/application/user"
	domainUser "github.com/facility-hub/facility-hub/internal/domain/user"
)

type userCreateRequest struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Role     domainUser.Role `json:"role"`
	Tokens   int64           `json:"tokens"`
}

type roleRequest struct {
	Role domainUser.Role `json:"role"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if req.Role == "" {
		req.Role = domainUser.RoleRequester
	}
	u, err := s.userSvc.Create(r.Context(), actor(r).Actor(), appUser.CreateInput{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
		Tokens:   req.Tokens,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 500)
	filter := domainUser.Filter{Username: optionalQuery(r, "username")}
	if v := optionalQuery(r, "role"); v != nil {
		role := domainUser.Role(*v)
		filter.Role = &role
	}
	list, err := s.userSvc.List(r.Context(), actor(r).Actor(), filter, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": list, "limit": limit, "offset": offset})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	u, err := s.userSvc.Get(r.Context(), actor(r).Actor(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) changeUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	u, err := s.userSvc.ChangeRole(r.Context(), actor(r).Actor(), id, req.Role)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) setUserPassword(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid userId")
		return
	}
	var req passwordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if err := s.userSvc.SetPassword(r.Context(), actor(r).Actor(), id, req.Password); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
