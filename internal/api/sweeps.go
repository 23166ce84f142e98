package api

import (
	"net/http"
	"strconv"

	"github.com/banshee-data/labsweep/internal/app"
)

type sweepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleSweeps lists (GET), adds (POST) and deletes (DELETE ?name=) library
// definitions.
func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		out := []sweepInfo{}
		for _, name := range s.app.Library.Names() {
			desc, err := s.app.Library.Describe(name)
			if err != nil {
				continue
			}
			out = append(out, sweepInfo{Name: name, Description: desc})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var spec app.DefinitionSpec
		if !decodeJSON(w, r, &spec) {
			return
		}
		def, err := s.app.BuildDefinition(spec)
		if err != nil {
			writeError(w, err)
			return
		}
		name, err := s.app.Library.Add(def)
		if err != nil {
			writeError(w, err)
			return
		}
		desc, _ := s.app.Library.Describe(name)
		writeJSON(w, http.StatusCreated, sweepInfo{Name: name, Description: desc})

	case http.MethodDelete:
		if err := s.app.Library.Delete(r.URL.Query().Get("name")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type startRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSweepStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	def, err := s.app.Library.Get(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.app.Runner.Run(def, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"run_id": run.Data.ID,
		"name":   run.Data.Name,
	})
}

func (s *Server) handleSweepStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.app.Runner.State())
}

func (s *Server) handleSweepStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.app.Runner.RequestStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "Invalid limit: "+v)
			return
		}
		limit = n
	}
	runs, err := s.app.Recorder.Runs(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) listRunPoints(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("id")
	if _, err := s.app.Recorder.Run(id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	points, err := s.app.Recorder.Points(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, points)
}
