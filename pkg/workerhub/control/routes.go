package control

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/workerhub/pkg/workerhub/history"
)

type workerView struct {
	ID        string            `json:"id"`
	Alive     bool              `json:"alive"`
	PID       int               `json:"pid,omitempty"`
	Listeners map[string]string `json:"listeners"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/ws", s.handleWebsocket)
	r.Get("/healthz", s.healthz)
	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.listWorkers)
		r.Get("/{id}/installs", s.listInstalls)
		r.With(s.requireToken).Delete("/{id}", s.uninstall)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.dispatcher.Workers()),
		"stats":   s.dispatcher.Stats(),
	})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	handles := s.dispatcher.Workers()
	out := make([]workerView, 0, len(handles))
	for _, h := range handles {
		v := workerView{ID: h.ID(), Alive: h.Alive(), Listeners: map[string]string{}}
		if v.Alive {
			v.PID = h.PID()
		}
		for id, l := range h.Listeners() {
			v.Listeners[id] = l.Pattern.String()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listInstalls(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "install history is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	attempts, err := s.history.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []history.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) uninstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existed, err := s.dispatcher.Uninstall(id)
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !existed:
		writeError(w, http.StatusNotFound, "unknown worker "+id)
	default:
		s.logger.Info("worker uninstalled", slog.String("worker_id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireToken rejects requests that do not carry the server token as
// "Authorization: Bearer <token>".
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="workerhub"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("control request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())))
	})
}
