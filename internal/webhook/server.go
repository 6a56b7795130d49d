// Package webhook is the authenticated HTTP ingress feeding the
// notification pipeline. The same server exposes health and metrics.
package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codexbridge/codexbridge/internal/logging"
	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/store"
)

// IngestFunc hands a decoded payload to the notification pipeline.
type IngestFunc func(ctx context.Context, payload any, source, sourceAccount, sourceEventID string) (store.InsertResult, error)

// Config holds the ingress settings.
type Config struct {
	Host         string
	Port         int
	Path         string
	Secret       string
	MaxBodyBytes int64
}

// Server is the webhook HTTP server.
type Server struct {
	cfg    Config
	ingest IngestFunc
	srv    *http.Server
}

// New builds the server and its routes.
func New(cfg Config, ingest IngestFunc) *Server {
	s := &Server{cfg: cfg, ingest: ingest}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post(cfg.Path, s.handleNotify)

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type notifyResponse struct {
	OK             bool   `json:"ok"`
	NotificationID string `json:"notificationId,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, notifyResponse{OK: false, Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var payload any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, notifyResponse{OK: false, Error: "invalid JSON body"})
		return
	}

	result, err := s.ingest(r.Context(), payload,
		store.SourceWebhook,
		r.Header.Get("X-Source-Account"),
		r.Header.Get("X-Event-Id"))
	if err != nil {
		slog.Error("webhook ingest failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, notifyResponse{OK: false})
		return
	}

	writeJSON(w, http.StatusOK, notifyResponse{
		OK:             true,
		NotificationID: result.ID,
		Duplicate:      result.Duplicate,
	})
}

// authorized checks `Authorization: Bearer <secret>` or
// `X-Bridge-Secret: <secret>` using a constant-time compare.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return false
	}

	candidate := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	} else if h := r.Header.Get("X-Bridge-Secret"); h != "" {
		candidate = h
	}
	if candidate == "" {
		return false
	}

	// Hash both sides so the compare is constant-time regardless of
	// secret length.
	want := sha256.Sum256([]byte(s.cfg.Secret))
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
