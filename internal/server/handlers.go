package server

import (
	"encoding/json"
	"net/http"

	"triagedeck/internal/app"
	"triagedeck/internal/identity"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, caller identity.Caller) {
	projects, err := s.app.ListProjects(r.Context(), caller)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ identity.Caller, pc app.ProjectContext) {
	writeJSON(w, http.StatusOK, s.app.GetConfig(pc))
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request, _ identity.Caller, pc app.ProjectContext) {
	limit, err := parseLimit(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	page, err := s.app.ListItems(r.Context(), pc, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request, _ identity.Caller, pc app.ProjectContext) {
	item, err := s.app.GetItem(r.Context(), pc, r.PathValue("iid"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemURL(w http.ResponseWriter, r *http.Request, _ identity.Caller, pc app.ProjectContext) {
	refreshed, err := s.app.RefreshURL(r.Context(), pc, r.PathValue("iid"), r.URL.Query().Get("variant_key"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	var req app.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, app.BadRequest("bad_request", "invalid JSON body"))
		return
	}
	resp, err := s.app.IngestEvents(r.Context(), pc, caller, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	limit, err := parseLimit(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	page, err := s.app.ListDecisions(r.Context(), pc, caller.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	var req app.ExportCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, app.BadRequest("bad_request", "invalid JSON body"))
		return
	}
	job, err := s.app.CreateExport(r.Context(), pc, caller, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export_id": job.ExportID, "status": job.Status})
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	limit, err := parseLimit(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	page, err := s.app.ListExports(r.Context(), pc, caller, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	job, err := s.app.GetExport(r.Context(), pc, caller, r.PathValue("eid"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelExport(w http.ResponseWriter, r *http.Request, caller identity.Caller, pc app.ProjectContext) {
	job, err := s.app.CancelExport(r.Context(), pc, caller, r.PathValue("eid"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export_id": job.ExportID, "status": job.Status, "error_code": job.ErrorCode})
}
