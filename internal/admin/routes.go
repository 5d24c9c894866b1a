package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
)

// Server is the admin HTTP handler.
type Server struct {
	api     API
	metrics http.Handler
	token   string
	log     logx.Logger
	router  http.Handler
}

// NewServer builds the router. metrics may be nil.
func NewServer(api API, metrics http.Handler, token string, log logx.Logger) *Server {
	s := &Server{api: api, metrics: metrics, token: strings.TrimSpace(token), log: log}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
		r.Get("/status", s.handleStatus)
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleAddSchedule)
			r.Post("/reload", s.handleReload)
			r.Delete("/{task}", s.handleRemoveSchedule)
		})
		r.Post("/tasks/{task}/run", s.handleRun)
		r.Get("/history", s.handleHistory)

		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", func(w http.ResponseWriter, r *http.Request) {
				hpprof.Handler(chi.URLParam(r, "profile")).ServeHTTP(w, r)
			})
		})
	})
	return r
}

// authMiddleware accepts "Authorization: Bearer <token>". No token configured
// means no auth.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "", errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Status())
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Status().Scheduler.Schedules)
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var e task.Entry
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err)
		return
	}
	if err := s.api.AddEntry(r.Context(), e); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e.Normalize())
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	n, err := s.api.RemoveEntry(r.Context(), chi.URLParam(r, "task"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{Removed: n})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.api.ReloadSchedules(r.Context())
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Schedules: n})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "task")
	q := r.URL.Query()

	var timeout time.Duration
	if raw := strings.TrimSpace(q.Get("timeout")); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, err)
			return
		}
		timeout = d
	}

	tk, err := s.api.RunNow(name, timeout)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	resp := RunResponse{ID: tk.ID, Task: tk.Task, Timeout: tk.Timeout, Status: engine.StatusPending}
	for _, q := range s.api.Status().Executor.Queue {
		if q.ID == tk.ID {
			resp.Queued = true
			break
		}
	}

	if wait, _ := strconv.ParseBool(q.Get("wait")); wait {
		out, err := tk.Wait(r.Context())
		if err != nil {
			// Client went away; the run continues.
			return
		}
		resp.Finished = true
		resp.Queued = false
		resp.Status = out.Status
		resp.Duration = out.Duration
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := storage.RunQuery{Task: strings.TrimSpace(r.URL.Query().Get("task"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeInvalid, errors.New("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	runs, err := s.api.History(r.Context(), q)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// parseTimeout accepts plain seconds ("3600") or a Go duration ("1h").
func parseTimeout(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, errors.New("timeout must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("timeout must be seconds or a positive duration")
	}
	return d, nil
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		writeError(w, http.StatusNotFound, codeUnknownTask, err)
	case errors.Is(err, task.ErrDuplicateSchedule):
		writeError(w, http.StatusConflict, codeDuplicate, err)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted), errors.Is(err, storage.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err)
	case errors.Is(err, task.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, codeInvalid, err)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err)
	default:
		s.log.Warn("admin request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error(), Code: kind})
}
