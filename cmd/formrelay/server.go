package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"formrelay/internal/constants"
	"formrelay/internal/database"
	"formrelay/internal/errors"
	"formrelay/internal/metrics"
	"formrelay/internal/middleware"
	"formrelay/internal/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxWebhookBodyBytes bounds inbound webhook bodies.
const maxWebhookBodyBytes = 1 << 20

type webhookStore interface {
	CreateWebhook(ctx context.Context, raw json.RawMessage) (*models.WebhookRecord, error)
	GetStats(ctx context.Context) (*database.Stats, error)
}

type dispatchQueue interface {
	Enqueue(id string) bool
}

type Server struct {
	router     *mux.Router
	logger     *logrus.Logger
	store      webhookStore
	dispatcher dispatchQueue
	cfg        models.ServerConfig
	server     *http.Server
}

func NewServer(cfg models.ServerConfig, store webhookStore, dispatcher dispatchQueue, logger *logrus.Logger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	webhook := s.router.PathPrefix("/webhook/metform").Subrouter()
	webhook.HandleFunc("", s.handleMetformWebhook()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Warn("Failed to write health response")
		}
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.GetAllMetrics()

		if stats, err := s.store.GetStats(r.Context()); err == nil {
			snapshot["webhooks"] = stats
		} else {
			s.logger.WithError(err).Warn("Failed to read webhook stats")
		}

		writeJSON(w, s.logger, http.StatusOK, snapshot)
	}
}

// handleMetformWebhook is the durable front door: persist whatever arrived,
// enqueue the dispatch job, reply. No schema validation, no extraction, no
// external calls on the request path.
func (s *Server) handleMetformWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := readWebhookBody(r)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read webhook body")
			writeJSON(w, s.logger, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"message": "Invalid webhook body",
			})
			return
		}

		record, err := s.store.CreateWebhook(r.Context(), raw)
		if err != nil {
			if errors.GetCode(err) == errors.ErrCodeInvalidInput {
				s.logger.WithError(err).Warn("Rejected malformed Metform webhook body")
				writeJSON(w, s.logger, http.StatusBadRequest, map[string]interface{}{
					"success": false,
					"message": "Invalid webhook body",
				})
				return
			}

			s.logger.WithError(err).Error("Failed to store Metform webhook")
			writeJSON(w, s.logger, http.StatusInternalServerError, map[string]interface{}{
				"success": false,
				"message": errors.GetUserMessage(err),
			})
			return
		}

		s.logger.WithField("webhook_id", record.ID).Info("Metform webhook received")
		metrics.IncrementCounter(metrics.WebhooksReceived, nil, "Webhooks accepted by the ingestion endpoint")

		s.dispatcher.Enqueue(record.ID)

		writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{
			"success":    true,
			"message":    "Webhook received successfully",
			"webhook_id": record.ID,
		})
	}
}

// readWebhookBody returns the submitted payload as JSON text. JSON bodies
// pass through verbatim; form-encoded bodies are folded into a JSON object.
func readWebhookBody(r *http.Request) (json.RawMessage, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxWebhookBodyBytes)

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == constants.ContentTypeFormURLEncoded || contentType == constants.ContentTypeMultipartForm {
		if err := r.ParseMultipartForm(maxWebhookBodyBytes); err != nil && err != http.ErrNotMultipart {
			return nil, fmt.Errorf("failed to parse form body: %w", err)
		}

		fields := make(map[string]interface{}, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) == 1 {
				fields[key] = values[0]
			} else {
				fields[key] = values
			}
		}

		return json.Marshal(fields)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return json.RawMessage(body), nil
}

func writeJSON(w http.ResponseWriter, logger *logrus.Logger, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Warn("Failed to write JSON response")
	}
}
