// Package api serves the labsweep HTTP interface: instruments, dividers, the
// sweep library and runner, and live monitors.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/labsweep/internal/app"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/monitoring"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/sweep"
)

// ANSI escape codes for status colouring in request logs
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

var logf = monitoring.Component("api")

type Server struct {
	app *app.App
}

func NewServer(a *app.App) *Server {
	return &Server{app: a}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("%s %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/instruments", s.listInstruments)
	mux.HandleFunc("/instruments/snapshot", s.snapshotInstrument)
	mux.HandleFunc("/instruments/zero", s.zeroInstrument)
	mux.HandleFunc("/parameters", s.handleParameter)
	mux.HandleFunc("/dividers", s.handleDividers)
	mux.HandleFunc("/sweeps", s.handleSweeps)
	mux.HandleFunc("/sweep/start", s.handleSweepStart)
	mux.HandleFunc("/sweep/status", s.handleSweepStatus)
	mux.HandleFunc("/sweep/stop", s.handleSweepStop)
	mux.HandleFunc("/runs", s.listRuns)
	mux.HandleFunc("/runs/points", s.listRunPoints)
	mux.HandleFunc("/live/start", s.handleLiveStart)
	mux.HandleFunc("/live/stop", s.handleLiveStop)
	mux.HandleFunc("/live/readings", s.handleLiveReadings)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf("failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sweep.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, instrument.ErrUnknownInstrument),
		errors.Is(err, instrument.ErrUnknownParameter),
		errors.Is(err, sweep.ErrUnknownSweep):
		return http.StatusNotFound
	case errors.Is(err, param.ErrInvalidValue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, param.ErrInvalidDivision),
		errors.Is(err, param.ErrNotGettable),
		errors.Is(err, param.ErrNotSettable),
		errors.Is(err, sweep.ErrInvalidDefinition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, errorStatus(err), err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}
