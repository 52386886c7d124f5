// Package server is the HTTP control surface: start, stop and inspect jobs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/withObsrvr/asset-orderer/internal/catalog"
	"github.com/withObsrvr/asset-orderer/internal/ledger"
	"github.com/withObsrvr/asset-orderer/internal/metrics"
	"github.com/withObsrvr/asset-orderer/internal/orderer"
	"github.com/withObsrvr/asset-orderer/internal/storage"
)

// Runner is the job controller as seen by the HTTP layer.
type Runner interface {
	Start(ctx context.Context, req orderer.StartRequest) (orderer.StartResponse, error)
	Stop() bool
	Progress() (orderer.Snapshot, bool)
	Replicas(ctx context.Context, id string) (int, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	runner Runner
	orders catalog.Reader
	log    *slog.Logger
}

func NewHandler(r Runner) *Handler {
	return &Handler{runner: r, log: slog.With("component", "server")}
}

// WithOrders enables GET /orders backed by the catalog.
func (h *Handler) WithOrders(r catalog.Reader) *Handler {
	h.orders = r
	return h
}

// Router builds the chi router with every route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/process", h.Process)
	r.Get("/progress", h.Progress)
	r.Post("/stop", h.Stop)
	r.Get("/replica", h.Replica)
	r.Get("/orders", h.Orders)
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	return r
}

type processResponse struct {
	Message string            `json:"message"`
	JobID   string            `json:"job_id,omitempty"`
	Notes   []string          `json:"notes,omitempty"`
	Result  *orderer.Snapshot `json:"result,omitempty"`
}

// Process handles POST /process?subject=&orderNumLimit=&orderSizeLimit=&sync=
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	subject := r.Form.Get("subject")
	if subject == "" {
		subject = r.Form.Get("address")
	}
	if subject == "" {
		writeError(w, http.StatusInternalServerError, "subject is required")
		return
	}

	req := orderer.StartRequest{Subject: subject}
	if v := r.Form.Get("orderNumLimit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("orderNumLimit %q is not a number", v))
			return
		}
		req.OrderNumLimit = &n
	}
	if v := r.Form.Get("orderSizeLimit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("orderSizeLimit %q is not a number", v))
			return
		}
		req.OrderSizeLimit = &n
	}
	if v := r.Form.Get("sync"); v != "" {
		sync, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("sync %q is not a boolean", v))
			return
		}
		req.Sync = sync
	}

	resp, err := h.runner.Start(r.Context(), req)
	switch {
	case errors.Is(err, orderer.ErrConflict):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orderer.ErrConfig):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case errors.Is(err, orderer.ErrFatal):
		writeJSON(w, http.StatusBadGateway, processResponse{
			Message: err.Error(),
			JobID:   resp.JobID,
			Notes:   resp.Notes,
			Result:  resp.Result,
		})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg := "processing subject " + subject
	if req.Sync {
		msg = "processed subject " + subject
	}
	writeJSON(w, http.StatusOK, processResponse{
		Message: msg,
		JobID:   resp.JobID,
		Notes:   resp.Notes,
		Result:  resp.Result,
	})
}

// Progress handles GET /progress.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.runner.Progress()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no task running"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stop handles POST /stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	stopped := h.runner.Stop()
	msg := "no task running"
	if stopped {
		msg = "stop requested"
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "message": msg})
}

// Replica handles GET /replica?cid=
func (h *Handler) Replica(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cid")
	if id == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}
	if !storage.ValidCID(id) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cid %q", id))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	n, err := h.runner.Replicas(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidCID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Warn("replica lookup failed", "cid", id, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cid": id, "replicas": n})
}

// Orders handles GET /orders?subject=
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		writeError(w, http.StatusNotFound, "catalog disabled")
		return
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	recs, err := h.orders.ListOrders(r.Context(), subject)
	if err != nil {
		h.log.Warn("list orders failed", "subject", subject, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []catalog.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "orders": recs})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok")) //nolint:errcheck
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Server runs the control surface until its context ends.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

func New(addr string, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // sync jobs may run for a long time
			IdleTimeout:  60 * time.Second,
		},
		log: slog.With("component", "server"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
