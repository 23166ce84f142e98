package api

import (
	"net/http"
)

type liveRequest struct {
	FullName   string `json:"full_name,omitempty"`
	Instrument string `json:"instrument,omitempty"`
}

// handleLiveStart watches one parameter or every readable parameter of an
// instrument.
func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req liveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch {
	case req.Instrument != "":
		inst, err := s.app.Registry.Get(req.Instrument)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.app.Board.WatchInstrument(inst); err != nil {
			writeError(w, err)
			return
		}
	case req.FullName != "":
		h, err := s.app.Registry.Lookup(req.FullName)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.app.Board.Watch(h); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeJSONError(w, http.StatusBadRequest, "full_name or instrument is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"watching": s.app.Board.Watching()})
}

// handleLiveStop stops one monitor, or all of them when no name is given.
func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if name := r.URL.Query().Get("full_name"); name != "" {
		s.app.Board.Unwatch(name)
	} else {
		s.app.Board.StopAll()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"watching": s.app.Board.Watching()})
}

func (s *Server) handleLiveReadings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.app.Board.Readings())
}
