// Package webhook is the HTTP surface of the bot: the TradingView signal
// endpoint, the kill switch admin endpoints, health, and Prometheus metrics.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arjunvm/nifty_iceberg/internal/dedup"
	"github.com/arjunvm/nifty_iceberg/internal/executor"
	"github.com/arjunvm/nifty_iceberg/internal/killswitch"
	"github.com/arjunvm/nifty_iceberg/internal/models"
)

const maxBodyBytes = 64 << 10

// OrderExecutor is what the handler needs from the execution layer. The live
// executor implements it; tests substitute a stub.
type OrderExecutor interface {
	ExecuteEntry(ctx context.Context, sig *models.Signal) (*executor.Result, error)
	ExecuteExit(ctx context.Context, sig *models.Signal) (*executor.Result, error)
}

// Config carries the server's listen address and shared webhook secret.
type Config struct {
	Addr   string
	Secret string
}

// Server wires the HTTP routes to the signal pipeline.
type Server struct {
	cfg    Config
	exec   OrderExecutor
	dedup  *dedup.Service
	kill   *killswitch.Service
	logger *logrus.Logger

	httpServer *http.Server
}

// NewServer builds the HTTP server. All dependencies are required except the
// logger, which defaults to the logrus standard logger.
func NewServer(cfg Config, exec OrderExecutor, dd *dedup.Service, kill *killswitch.Service, logger *logrus.Logger) *Server {
	if exec == nil {
		panic("webhook.NewServer: executor must not be nil")
	}
	if dd == nil {
		panic("webhook.NewServer: dedup service must not be nil")
	}
	if kill == nil {
		panic("webhook.NewServer: kill switch service must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:    cfg,
		exec:   exec,
		dedup:  dd,
		kill:   kill,
		logger: logger,
	}
	killSwitchSource.Store(kill)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhook", s.handleWebhook)
	r.Post("/killswitch/trigger", s.handleKillSwitchTrigger)
	r.Post("/killswitch/reset", s.handleKillSwitchReset)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("webhook server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// webhookPayload is the TradingView alert body. The secret rides in the
// payload because TradingView alerts cannot set custom headers.
type webhookPayload struct {
	Secret         string  `json:"secret"`
	Signal         string  `json:"signal"`
	Action         string  `json:"action"`
	Strike         int     `json:"strike"`
	OptionType     string  `json:"option_type"`
	Lots           int     `json:"lots"`
	Premium        float64 `json:"premium,omitempty"`
	HedgePremium   float64 `json:"hedge_premium,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		webhooksRejected.WithLabelValues("malformed").Inc()
		s.writeError(w, http.StatusBadRequest, "malformed JSON payload")
		return
	}

	if !s.secretMatches(payload.Secret) {
		webhooksRejected.WithLabelValues("unauthorized").Inc()
		s.logger.WithField("remote", r.RemoteAddr).Warn("webhook rejected: bad secret")
		s.writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	sig := &models.Signal{
		Signal:       payload.Signal,
		Action:       payload.Action,
		Strike:       payload.Strike,
		OptionType:   payload.OptionType,
		Lots:         payload.Lots,
		Premium:      payload.Premium,
		HedgePremium: payload.HedgePremium,
		Timestamp:    s.parseTimestamp(payload.Timestamp),
	}
	if err := sig.Validate(); err != nil {
		webhooksRejected.WithLabelValues("invalid").Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	webhooksReceived.WithLabelValues(sig.Action).Inc()
	log := s.logger.WithFields(logrus.Fields{
		"signal": sig.Signal,
		"action": sig.Action,
		"strike": sig.Strike,
		"type":   sig.OptionType,
		"lots":   sig.Lots,
	})

	if s.dedup.IsDuplicate(sig, payload.IdempotencyKey) {
		webhooksDuplicate.Inc()
		log.Info("duplicate signal ignored")
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "duplicate",
			"reason": "signal already processed within the deduplication window",
		})
		return
	}

	gate := killswitch.OpWebhookEntry
	if sig.Action == models.ActionExit {
		gate = killswitch.OpClosePositions
	}
	if !s.kill.CheckOperationAllowed(gate) {
		webhooksRejected.WithLabelValues("kill_switch").Inc()
		log.Warn("signal blocked by kill switch")
		s.writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "blocked",
			"reason": "kill switch is active",
		})
		return
	}

	var result *executor.Result
	if sig.Action == models.ActionEntry {
		result, err = s.exec.ExecuteEntry(r.Context(), sig)
	} else {
		result, err = s.exec.ExecuteExit(r.Context(), sig)
	}
	if err != nil {
		executionsTotal.WithLabelValues(executor.StatusError).Inc()
		log.WithError(err).Error("signal execution failed")
		if result == nil {
			result = &executor.Result{Status: executor.StatusError, Reason: err.Error()}
		}
		s.writeJSON(w, http.StatusInternalServerError, result)
		return
	}

	executionsTotal.WithLabelValues(result.Status).Inc()
	log.WithFields(logrus.Fields{
		"status":   result.Status,
		"position": result.PositionID,
	}).Info("signal processed")

	// Rejections and partial fills are reported in the body; the alert itself
	// was handled, so TradingView should not retry it.
	s.writeJSON(w, http.StatusOK, result)
}

// adminRequest carries the secret plus free-form context for the kill switch
// endpoints.
type adminRequest struct {
	Secret string `json:"secret"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
}

func (s *Server) handleKillSwitchTrigger(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual trigger via API"
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	if err := s.kill.Trigger(reason, source); err != nil {
		s.logger.WithError(err).Error("kill switch trigger failed")
		s.writeError(w, http.StatusInternalServerError, "trigger failed: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "triggered",
		"reason": reason,
	})
}

func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	reset, err := s.kill.Reset(source)
	if err != nil {
		s.logger.WithError(err).Error("kill switch reset failed")
		s.writeError(w, http.StatusInternalServerError, "reset failed: "+err.Error())
		return
	}
	if !reset {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "not_triggered"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"kill_switch": s.kill.Active(),
	})
}

func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &req) != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON payload")
		return req, false
	}
	if !s.secretMatches(req.Secret) {
		s.writeError(w, http.StatusUnauthorized, "invalid secret")
		return req, false
	}
	return req, true
}

func (s *Server) secretMatches(candidate string) bool {
	if s.cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Secret)) == 1
}

// parseTimestamp accepts RFC 3339 or epoch-less TradingView times; anything
// unparseable falls back to receipt time so deduplication still has a bucket.
func (s *Server) parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	s.logger.WithField("timestamp", raw).Warn("unparseable signal timestamp, using receipt time")
	return time.Now().UTC()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"status": "error", "reason": msg})
}
