package api

import (
	"net/http"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/param"
)

type parameterInfo struct {
	FullName string  `json:"full_name"`
	Readable bool    `json:"readable"`
	Writable bool    `json:"writable"`
	Editable bool    `json:"editable"`
	Division float64 `json:"division"`
}

type instrumentInfo struct {
	Name       string          `json:"name"`
	Parameters []parameterInfo `json:"parameters"`
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	out := []instrumentInfo{}
	for _, name := range s.app.Registry.Names() {
		inst, err := s.app.Registry.Get(name)
		if err != nil {
			continue
		}
		info := instrumentInfo{Name: name, Parameters: []parameterInfo{}}
		for _, h := range inst.Parameters() {
			info.Parameters = append(info.Parameters, parameterInfo{
				FullName: h.FullName(),
				Readable: param.CanGet(h),
				Writable: param.CanSet(h),
				Editable: param.CanSet(h) && s.app.Board.Editable(h.FullName()),
				Division: s.app.Dividers.DivisionFor(h.FullName()),
			})
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// snapshotInstrument re-reads every readable parameter of one instrument.
func (s *Server) snapshotInstrument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	inst, err := s.app.Registry.Get(r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	readings, err := instrument.Snapshot(inst, s.app.Dividers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) zeroInstrument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	inst, err := s.app.Registry.Get(r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	for _, h := range inst.Parameters() {
		if msg, busy := s.busy(h.FullName()); busy {
			writeJSONError(w, http.StatusConflict, msg)
			return
		}
	}
	if err := instrument.SetAllToZero(inst); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "zeroed"})
}

// busy reports why fullName may not be written from the API: a live monitor
// is polling it or the active sweep is setting it.
func (s *Server) busy(fullName string) (string, bool) {
	if !s.app.Board.Editable(fullName) {
		return fullName + " is read-only while it is monitored", true
	}
	if s.app.Runner.Sweeping(fullName) {
		return fullName + " is being swept", true
	}
	return "", false
}

type parameterRequest struct {
	FullName string  `json:"full_name"`
	Value    float64 `json:"value"`
}

type parameterResponse struct {
	FullName string  `json:"full_name"`
	Value    float64 `json:"value"`
	Display  string  `json:"display"`
}

// handleParameter reads (GET ?full_name=) or writes (POST) one parameter
// through its divider. Writes to a monitored or swept parameter are refused.
func (s *Server) handleParameter(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		name := r.URL.Query().Get("full_name")
		h, err := s.app.Registry.Lookup(name)
		if err != nil {
			writeError(w, err)
			return
		}
		v, err := param.Get(s.app.Dividers.Resolve(h))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, parameterResponse{FullName: name, Value: v, Display: param.Display(v)})
		return
	}

	var req parameterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h, err := s.app.Registry.Lookup(req.FullName)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg, busy := s.busy(req.FullName); busy {
		writeJSONError(w, http.StatusConflict, msg)
		return
	}
	if err := param.Set(s.app.Dividers.Resolve(h), req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parameterResponse{FullName: req.FullName, Value: req.Value, Display: param.Display(req.Value)})
}

type dividerInfo struct {
	FullName string  `json:"full_name"`
	Label    string  `json:"label,omitempty"`
	Division float64 `json:"division"`
}

// handleDividers lists (GET), attaches (POST) and detaches (DELETE
// ?full_name=) dividers. Attaching a division of 1 detaches.
func (s *Server) handleDividers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		out := []dividerInfo{}
		for _, name := range s.app.Dividers.Names() {
			if d, ok := s.app.Dividers.Lookup(name); ok {
				out = append(out, dividerInfo{FullName: name, Label: d.Label(), Division: d.DivisionValue()})
			}
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var req dividerInfo
		if !decodeJSON(w, r, &req) {
			return
		}
		h, err := s.app.Registry.Lookup(req.FullName)
		if err != nil {
			writeError(w, err)
			return
		}
		d, err := s.app.Dividers.Attach(h, req.Division)
		if err != nil {
			writeError(w, err)
			return
		}
		if d == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
			return
		}
		writeJSON(w, http.StatusOK, dividerInfo{FullName: d.FullName(), Label: d.Label(), Division: d.DivisionValue()})

	case http.MethodDelete:
		s.app.Dividers.Detach(r.URL.Query().Get("full_name"))
		writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
	}
}
