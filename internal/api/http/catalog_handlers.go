package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appCatalog "github.com/facility-hub/facility-hub/internal/application/catalog"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
)

type categoryRequest struct {
	Name         string   `json:"name"`
	TokenCost    int64    `json:"tokenCost"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (req categoryRequest) input() appCatalog.CategoryInput {
	return appCatalog.CategoryInput{Name: req.Name, TokenCost: req.TokenCost, Capabilities: req.Capabilities}
}

type machineCreateRequest struct {
	Name string `json:"name"`
}

type machineUpdateRequest struct {
	Name   *string         `json:"name,omitempty"`
	Status *machine.Status `json:"status,omitempty"`
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	c, err := s.catalogSvc.CreateCategory(r.Context(), actor(r).Actor(), req.input())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalogSvc.ListCategories(r.Context())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"categories": list})
}

func (s *Server) getCategory(w http.ResponseWriter, r *http.Request) {
	c, err := s.catalogSvc.GetCategory(r.Context(), chi.URLParam(r, "categoryId"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	c, err := s.catalogSvc.UpdateCategory(r.Context(), actor(r).Actor(), chi.URLParam(r, "categoryId"), req.input())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogSvc.DeleteCategory(r.Context(), actor(r).Actor(), chi.URLParam(r, "categoryId")); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createMachine(w http.ResponseWriter, r *http.Request) {
	var req machineCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	m, err := s.catalogSvc.CreateMachine(r.Context(), actor(r).Actor(), chi.URLParam(r, "categoryId"), req.Name)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	filter := machine.Filter{CategoryID: optionalQuery(r, "categoryId")}
	if v := optionalQuery(r, "status"); v != nil {
		st := machine.Status(*v)
		filter.Status = &st
	}
	list, err := s.catalogSvc.ListMachines(r.Context(), filter)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"machines": list})
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.catalogSvc.GetMachine(r.Context(), chi.URLParam(r, "machineId"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) updateMachine(w http.ResponseWriter, r *http.Request) {
	var req machineUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	m, err := s.catalogSvc.UpdateMachine(r.Context(), actor(r).Actor(), chi.URLParam(r, "machineId"), appCatalog.MachineUpdate{
		Name:   req.Name,
		Status: req.Status,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogSvc.DeleteMachine(r.Context(), actor(r).Actor(), chi.URLParam(r, "machineId")); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
