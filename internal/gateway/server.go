// Package gateway is the authenticated entry point in front of the object
// store: it dispatches named actions, validates them, and hands out
// presigned capabilities instead of credentials.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexoav/filegate/internal/archive"
	"github.com/nexoav/filegate/internal/config"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
	"github.com/nexoav/filegate/internal/rpc"
)

var (
	errValidation = errors.New("invalid request")
	errConflict   = errors.New("object already exists")
)

// Ledger is the registry surface the gateway needs. Insert populates
// obj.ID when unset.
type Ledger interface {
	Insert(ctx context.Context, obj *ledger.StoredObject) error
	GetByID(ctx context.Context, id string) (*ledger.StoredObject, error)
	GetByKey(ctx context.Context, key string) (*ledger.StoredObject, error)
	MarkReady(ctx context.Context, id string, sizeBytes int64) error
	Delete(ctx context.Context, id string) error
	ListByFiscalPeriod(ctx context.Context, filter ledger.FiscalFilter) ([]*ledger.StoredObject, error)
	GetFolder(ctx context.Context, id string) (*ledger.CustomFolder, error)
}

// ObjectStore issues capabilities and answers existence checks.
type ObjectStore interface {
	PresignGet(ctx context.Context, key, downloadName string) (string, error)
	PresignPut(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (int64, error)
	Bucket() string
}

// Catalog resolves catalog product storage paths.
type Catalog interface {
	GetCatalogProductStoragePath(ctx context.Context, productID string) (*rpc.ProductPath, error)
}

// Archiver performs the server-side archival flow.
type Archiver interface {
	Archive(ctx context.Context, sourceType, sourceID, pdfBase64 string) (*archive.Result, error)
}

// Scheduler enqueues the deferred reconcile task for an upload intent.
type Scheduler interface {
	ScheduleReconcile(ctx context.Context, fileID string) error
}

// Server exposes the action-dispatch HTTP endpoint.
type Server struct {
	address   string
	jwtSecret []byte
	ledger    Ledger
	store     ObjectStore
	catalog   Catalog
	archiver  Archiver
	scheduler Scheduler
	logger    *slog.Logger

	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo Ledger, store ObjectStore, catalog Catalog, archiver Archiver, scheduler Scheduler, logger *slog.Logger) *Server {
	return &Server{
		address:   cfg.Address,
		jwtSecret: cfg.JWTSecret,
		ledger:    repo,
		store:     store,
		catalog:   catalog,
		archiver:  archiver,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Router builds the chi router. Split out from Run for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestLogger(s.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleDispatch)
		r.Post("/functions/storage-gateway", s.handleDispatch)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{Addr: s.address, Handler: s.Router()}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("gateway listening", slog.String("address", s.address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// request carries the action name; each handler decodes its own fields from
// the raw body.
type request struct {
	Action string `json:"action"`
}

type actionFunc func(ctx context.Context, raw []byte) (map[string]any, error)

// Body limit leaves room for a 20 MiB PDF in base64 plus envelope.
const maxBodyBytes = 32 << 20

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.record("_decode", http.StatusBadRequest, time.Now())
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var req request
	if err := json.Unmarshal(raw, &req); err != nil || req.Action == "" {
		s.record("_decode", http.StatusBadRequest, time.Now())
		s.respondError(w, http.StatusBadRequest, "missing action")
		return
	}

	actions := map[string]actionFunc{
		"get_presigned_url":         s.actionGetPresignedURL,
		"get_presigned_url_by_key":  s.actionGetPresignedURLByKey,
		"list_files":                s.actionListFiles,
		"get_upload_url":            s.actionGetUploadURL,
		"upload_to_custom_folder":   s.actionUploadToCustomFolder,
		"upload_to_catalog_product": s.actionUploadToCatalogProduct,
		"confirm_custom_upload":     s.actionConfirmCustomUpload,
		"archive_document":          s.actionArchiveDocument,
	}

	start := time.Now()
	handler, ok := actions[req.Action]
	if !ok {
		s.record(req.Action, http.StatusBadRequest, start)
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	if !authorized(req.Action, claimsFrom(ctx)) {
		s.record(req.Action, http.StatusForbidden, start)
		s.respondError(w, http.StatusForbidden, "insufficient role")
		return
	}

	payload, err := handler(ctx, raw)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("action failed",
				slog.String("action", req.Action), slog.String("error", err.Error()))
		}
		s.record(req.Action, status, start)
		s.respondError(w, status, err.Error())
		return
	}
	s.record(req.Action, http.StatusOK, start)
	s.respond(w, http.StatusOK, payload)
}

func (s *Server) record(action string, status int, start time.Time) {
	actionsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
	actionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// statusFor maps sentinel errors from the domain packages onto the wire
// status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errValidation),
		errors.Is(err, archive.ErrInvalidPayload),
		errors.Is(err, archive.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, errConflict), errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, rpc.ErrNotFound),
		errors.Is(err, objstore.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["ok"] = true
	s.writeJSON(w, status, payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}
