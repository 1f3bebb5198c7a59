// Package httpapi binds the decision engine and the escalation subsystem to
// the versioned JSON surface and the live websocket channel.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/bus"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/decision"
	"github.com/carebridge/triage/internal/domain"
	"github.com/carebridge/triage/internal/handover"
	"github.com/carebridge/triage/internal/store"
	"github.com/carebridge/triage/internal/token"
)

// Server is the HTTP front of the triage service.
type Server struct {
	cfg        *config.Config
	store      store.Store
	aggregator *decision.Aggregator
	tokens     *token.Service
	tokenCache *token.Cache
	handover   *handover.Generator
	bus        *bus.Bus

	validate *validator.Validate
	router   *mux.Router
	http     *http.Server
}

// New wires the server and its routes.
func New(cfg *config.Config, st store.Store, agg *decision.Aggregator, tokens *token.Service, cache *token.Cache, ho *handover.Generator, eventBus *bus.Bus) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		aggregator: agg,
		tokens:     tokens,
		tokenCache: cache,
		handover:   ho,
		bus:        eventBus,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		router:     mux.NewRouter(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler (tests).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateBurst)
	s.router.Use(requestID, requestLogger, cors, rateLimit(limiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	phw := api.NewRoute().Subrouter()
	phw.Use(withTimeout(s.cfg.Server.WriteTimeout), s.requireAuth(rolePHW))
	phw.HandleFunc("/analyze/risk", s.handleAnalyze).Methods(http.MethodPost)
	phw.HandleFunc("/escalate", s.handleEscalate).Methods(http.MethodPost)
	phw.HandleFunc("/cases", s.handleListCases).Methods(http.MethodGet)
	phw.HandleFunc("/cases/{id}", s.handleGetCase).Methods(http.MethodGet)
	phw.HandleFunc("/cases/{id}/close", s.handleClose).Methods(http.MethodPost)
	phw.HandleFunc("/cases/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	// The escalation token is the auth on the specialist surface.
	specialist := api.NewRoute().Subrouter()
	specialist.Use(withTimeout(s.cfg.Server.WriteTimeout))
	specialist.HandleFunc("/specialist/portal/{token}", s.handlePortal).Methods(http.MethodGet)
	specialist.HandleFunc("/specialist/advice", s.handleAdvice).Methods(http.MethodPost)

	api.HandleFunc("/ws/case/{id}", s.handleWS).Methods(http.MethodGet)
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("http server draining")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail string   `json:"detail"`
	Fields []string `json:"fields,omitempty"`
}

// writeError maps error kinds onto transport status codes. Portal reads remap
// token failures to 404 in their handler before calling here.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: "validation failed", Fields: fields})
		return
	}

	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusUnprocessableEntity
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindForbidden, apperr.KindTokenInvalid:
		status = http.StatusForbidden
	case apperr.KindState:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		requestID := requestIDFrom(r.Context())
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("internal error")

		// Unexpected failures leave an audit record carrying the request id,
		// even when the request context is already dead.
		rec := domain.AuditRecord{
			Action:    "error.internal",
			Resource:  r.URL.Path,
			IP:        r.RemoteAddr,
			RequestID: requestID,
			NewValue:  err.Error(),
			At:        time.Now().UTC(),
		}
		if claims, ok := claimsFrom(r.Context()); ok {
			rec.UserID = claims.Subject
		}
		if auditErr := s.store.RecordAudit(context.WithoutCancel(r.Context()), rec); auditErr != nil {
			log.Error().Err(auditErr).Str("request_id", requestID).Msg("failed to write internal-error audit record")
		}

		s.writeJSON(w, status, errorBody{Detail: "internal server error"})
		return
	}
	s.writeJSON(w, status, errorBody{Detail: err.Error()})
}
