package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fileguard/internal/servicetoken"
	"fileguard/internal/util"
	"fileguard/pkg/clamd"
	"fileguard/pkg/domain"
	"fileguard/pkg/ingest"
	"fileguard/pkg/metrics"
	"fileguard/pkg/quarantine"
	"fileguard/pkg/queue"
	"fileguard/pkg/store"
)

// Daemon is the slice of the clamd client the server needs for health and
// metrics reporting.
type Daemon interface {
	Ping(ctx context.Context) error
	GetVersion(ctx context.Context) (clamd.Version, error)
}

// Limiter throttles requests per key. A nil Limiter disables throttling.
type Limiter interface {
	Allow(key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store         store.Store
	Ingest        *ingest.Service
	Quarantine    *quarantine.Manager
	Queue         *queue.ScanQueue
	Counters      *metrics.Counters
	Daemon        Daemon
	Verifier      *servicetoken.Verifier
	RescanLimiter Limiter
	ServiceName   string
}

// Server exposes the scan pipeline's internal HTTP API: tenant scan settings,
// quarantine administration, metrics, and file ingest for the platform's
// other services.
type Server struct {
	store         store.Store
	ingest        *ingest.Service
	quarantine    *quarantine.Manager
	queue         *queue.ScanQueue
	counters      *metrics.Counters
	daemon        Daemon
	auth          *servicetoken.Verifier
	rescanLimiter Limiter
	service       string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		store:         cfg.Store,
		ingest:        cfg.Ingest,
		quarantine:    cfg.Quarantine,
		queue:         cfg.Queue,
		counters:      cfg.Counters,
		daemon:        cfg.Daemon,
		auth:          cfg.Verifier,
		rescanLimiter: cfg.RescanLimiter,
		service:       cfg.ServiceName,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithRequestID(util.WithRequestLog(s.service, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/scan/settings/", s.withInternal(s.handleSettings))
	s.mux.Handle("/scan/quarantine", s.withInternal(s.handleQuarantineList))
	s.mux.Handle("/scan/quarantine/", s.withInternal(s.handleQuarantineByID))
	s.mux.Handle("/scan/metrics", s.withInternal(s.handleMetrics))
	s.mux.Handle("/internal/files", s.withInternal(s.handleUpload))
	s.mux.Handle("/internal/files/", s.withInternal(s.handleFileByID))
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.auth.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.daemon.Ping(ctx); err != nil {
		resp["scanner"] = "unreachable"
	} else {
		resp["scanner"] = "ok"
		if v, err := s.daemon.GetVersion(ctx); err == nil {
			resp["scannerVersion"] = v.Daemon
			resp["signatureVersion"] = v.Signatures
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimPrefix(r.URL.Path, "/scan/settings/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, ok, err := s.store.GetScanSettings(tenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load settings failed")
			return
		}
		if !ok {
			settings = domain.DefaultScanSettings(tenantID)
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var settings domain.ScanSettings
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		settings.TenantID = tenantID
		settings.UpdatedAt = time.Now().UTC()
		if !domain.ValidAction(settings.ActionOnDetect) {
			writeError(w, http.StatusBadRequest, "actionOnDetect must be quarantine, delete, or flag")
			return
		}
		if settings.MaxFileSizeMB < 0 || settings.SuspendThreshold < 0 {
			writeError(w, http.StatusBadRequest, "limits must be >= 0")
			return
		}
		if err := s.store.SaveScanSettings(settings); err != nil {
			writeError(w, http.StatusInternalServerError, "save settings failed")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter required")
		return
	}
	records, err := s.quarantine.List(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list quarantine failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleQuarantineByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/scan/quarantine/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case r.Method == http.MethodPost && action == "release":
		releasedBy := strings.TrimSpace(r.URL.Query().Get("by"))
		if releasedBy == "" {
			releasedBy = "admin"
		}
		err := s.quarantine.Release(r.Context(), id, releasedBy)
		switch {
		case errors.Is(err, quarantine.ErrNotFound):
			writeError(w, http.StatusNotFound, "quarantine record not found")
		case errors.Is(err, quarantine.ErrAlreadyReleased):
			writeError(w, http.StatusConflict, "already released")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "release failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
		}
	case r.Method == http.MethodDelete && action == "":
		err := s.quarantine.Purge(r.Context(), id)
		switch {
		case errors.Is(err, quarantine.ErrNotFound):
			writeError(w, http.StatusNotFound, "quarantine record not found")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "purge failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
		}
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter required")
		return
	}
	snapshot := domain.ScanMetrics{}
	scans, infected, avgMS, err := s.counters.Today(r.Context(), tenantID)
	if err == nil {
		snapshot.ScansToday = scans
		snapshot.InfectedToday = infected
		snapshot.AvgScanMS = avgMS
	}
	if depth, err := s.queue.Depth(); err == nil {
		snapshot.QueueDepth = depth
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if v, err := s.daemon.GetVersion(ctx); err == nil {
		snapshot.DaemonVersion = v.Daemon
		snapshot.SignatureVersion = v.Signatures
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	up := ingest.Upload{
		TenantID:     strings.TrimSpace(q.Get("tenant")),
		DepartmentID: strings.TrimSpace(q.Get("department")),
		UploaderID:   strings.TrimSpace(q.Get("uploader")),
		Name:         strings.TrimSpace(q.Get("name")),
		Content:      r.Body,
	}
	if up.TenantID == "" || up.DepartmentID == "" || up.UploaderID == "" || up.Name == "" {
		writeError(w, http.StatusBadRequest, "tenant, department, uploader, and name are required")
		return
	}
	file, err := s.ingest.IngestUpload(r.Context(), up)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/internal/files/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case r.Method == http.MethodGet && action == "content":
		s.serveContent(w, r, id)
	case r.Method == http.MethodGet && action == "":
		file, ok, err := s.store.GetFileRecord(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load file failed")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeJSON(w, http.StatusOK, file)
	case r.Method == http.MethodPost && action == "rescan":
		file, ok, err := s.store.GetFileRecord(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load file failed")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		if s.rescanLimiter != nil && !s.rescanLimiter.Allow(file.TenantID) {
			writeError(w, http.StatusTooManyRequests, "rescan rate limit exceeded")
			return
		}
		err = s.ingest.RequestRescan(id)
		var illegal *domain.IllegalTransitionError
		switch {
		case errors.Is(err, ingest.ErrNotFound):
			writeError(w, http.StatusNotFound, "file not found")
		case errors.As(err, &illegal):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "rescan failed")
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		}
	case r.Method == http.MethodDelete && action == "":
		err := s.ingest.DeleteFile(r.Context(), id)
		switch {
		case errors.Is(err, ingest.ErrNotFound):
			writeError(w, http.StatusNotFound, "file not found")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "delete failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		}
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, id string) {
	rc, file, err := s.ingest.OpenFile(r.Context(), id)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case errors.Is(err, ingest.ErrQuarantined):
		writeError(w, http.StatusForbidden, "file is quarantined")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "open file failed")
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.Name+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers already written; nothing recoverable.
		return
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
