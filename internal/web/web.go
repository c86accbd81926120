package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"weekplan/internal/config"
	"weekplan/internal/gateway"
	appLog "weekplan/internal/log"
	"weekplan/internal/model"
	"weekplan/internal/planner"
)

// sessionTTL is how long an idle browser keeps its bucket copies.
const sessionTTL = 12 * time.Hour

const maxBodyBytes = 1 << 20

// Server provides the HTTP API and the embedded planning page.
type Server struct {
	cfg      *config.Config
	engine   *planner.Engine
	mux      *http.ServeMux
	sessions *sessions
}

// embeddedStatic holds the planning page.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, engine *planner.Engine) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		mux:      http.NewServeMux(),
		sessions: newSessions(sessionTTL),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// SweepSessions closes idle sessions and cancels their pending pushes.
func (s *Server) SweepSessions() int {
	return s.sessions.sweep()
}

// Close ends every session.
func (s *Server) Close() {
	s.sessions.closeAll()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty user name or secret disables auth.
	a := s.cfg.BasicAuth
	return a.Username != "" && (a.Password != "" || a.PasswordHash != "")
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password
	hash := []byte(s.cfg.BasicAuth.PasswordHash)

	checkPassword := func(p string) bool {
		if len(hash) > 0 {
			return bcrypt.CompareHashAndPassword(hash, []byte(p)) == nil
		}
		return secureCompare(p, password)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !checkPassword(p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="weekplan", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/datasets", s.handleDatasets)
	s.mux.HandleFunc("GET /api/datasets/{id}/weeks", s.handleWeeks)
	s.mux.HandleFunc("PUT /api/datasets/{id}/weeks/{key}", s.handleEdit)
	s.mux.HandleFunc("POST /api/datasets/{id}/weeks/{key}/toggle", s.handleToggle)
	s.mux.HandleFunc("POST /api/datasets/{id}/extend", s.handleExtend)
	s.mux.HandleFunc("POST /api/datasets/{id}/sync", s.handleSync)
	s.mux.HandleFunc("POST /api/datasets/{id}/reconcile", s.handleReconcile)
	s.mux.HandleFunc("POST /api/datasets/{id}/import.ics", s.handleImport)

	s.mux.HandleFunc("GET /api/datasets/{id}/calendar.ics", s.download(s.engine.Calendar))
	s.mux.HandleFunc("GET /api/datasets/{id}/export.csv", s.download(s.engine.ExportCSV))
	s.mux.HandleFunc("GET /api/datasets/{id}/export.xlsx", s.download(s.engine.ExportWorkbook))

	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Datasets())
}

func (s *Server) handleWeeks(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	view, err := s.engine.Load(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type editRequest struct {
	Rows []planner.RowInput `json:"rows"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	key, ok := weekKey(w, r)
	if !ok {
		return
	}

	var req editRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	sess := s.sessions.get(w, r)
	res, err := s.engine.Edit(r.Context(), sess, r.PathValue("id"), key, req.Rows)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	for _, warn := range res.Warnings {
		appLog.Warn("edit warning", errors.New(warn), "dataset", r.PathValue("id"), "week", key.String())
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	key, ok := weekKey(w, r)
	if !ok {
		return
	}
	sess := s.sessions.get(w, r)
	week, err := s.engine.Toggle(sess, r.PathValue("id"), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, week)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(w, r)
	res, err := s.engine.Extend(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// maxFeedBytes bounds an uploaded calendar.
const maxFeedBytes = 4 << 20

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFeedBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	sess := s.sessions.get(w, r)
	res, err := s.engine.ImportCalendar(r.Context(), sess, r.PathValue("id"), body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncResponse struct {
	Synced   bool     `json:"synced"`
	Warnings []string `json:"warnings"`
}

// handleSync reports remote failures as warnings; the local file is already
// durable and the user may retry.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Sync(r.Context(), r.PathValue("id"))
	if errors.Is(err, planner.ErrUnknownDataset) {
		writeEngineError(w, err)
		return
	}

	resp := syncResponse{Synced: err == nil, Warnings: []string{}}
	if err != nil {
		appLog.Warn("sync failed", err, "dataset", r.PathValue("id"))
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

type reconcileResponse struct {
	Weeks    int      `json:"weeks"`
	Updated  []string `json:"updated"`
	Warnings []string `json:"warnings"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reconcile(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, gateway.ErrStagingDisabled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, planner.ErrUnknownDataset), errors.Is(err, model.ErrStorageLocation):
		writeEngineError(w, err)
		return
	}

	resp := reconcileResponse{Weeks: res.Buckets, Updated: res.Updated, Warnings: []string{}}
	if err != nil {
		appLog.Warn("reconcile failed", err, "dataset", r.PathValue("id"))
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// warningHeader carries the warnings of a download, one value each.
const warningHeader = "X-Weekplan-Warning"

func (s *Server) download(render func(context.Context, string) (*planner.Download, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := render(r.Context(), r.PathValue("id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", d.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+d.FileName+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(d.Body)))
		for _, warn := range d.Warnings {
			w.Header().Add(warningHeader, warn)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.Body)
	}
}

func weekKey(w http.ResponseWriter, r *http.Request) (model.BucketKey, bool) {
	key, err := model.ParseBucketKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return key, false
	}
	return key, true
}

// staticFileServer serves the embedded planning page.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Unmatched /api/* paths are 404s, never the HTML page.
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// writeEngineError maps engine failures to status codes. It is only used for
// failures that abort the request; recoverable ones travel as warnings.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, planner.ErrUnknownDataset), errors.Is(err, planner.ErrUnknownWeek):
		status = http.StatusNotFound
	case errors.Is(err, planner.ErrReadOnlyWeek):
		status = http.StatusConflict
	case errors.Is(err, planner.ErrInvalidFeed):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrStorageLocation):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
