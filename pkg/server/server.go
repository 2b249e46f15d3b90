// Package server exposes the service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pario-ai/mathgate/pkg/config"
	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/service"
)

var maxBodySize int64 = 32 << 20

// Server is the mathgate HTTP API.
type Server struct {
	cfg     *config.Config
	svc     *service.Service
	log     *zap.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server wired to svc.
func New(cfg *config.Config, svc *service.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: log,
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/recognize", s.handleRecognize)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleStats)
	s.mux.HandleFunc("DELETE /v1/cache", s.handleInvalidateAll)
	s.mux.HandleFunc("DELETE /v1/cache/{fingerprint}", s.handleInvalidate)
	s.mux.HandleFunc("POST /v1/route", s.handleRoute)
	s.mux.HandleFunc("GET /v1/breaker", s.handleBreaker)
	s.mux.HandleFunc("POST /v1/breaker/outcome", s.handleOutcome)
	s.mux.HandleFunc("POST /v1/breaker/reset", s.handleBreakerReset)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(svc.Metrics(), promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var limiter *rate.Limiter
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.Burst
		if burst <= 0 {
			burst = int(cfg.Server.RateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}
	s.handler = requestID(accessLog(log, rateLimit(limiter, s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("mathgate listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type recognizeRequest struct {
	// Content is the raw input, base64 in JSON. Text is accepted instead for
	// textual inputs.
	Content   []byte              `json:"content"`
	Text      string              `json:"text"`
	Options   fingerprint.Options `json:"options"`
	Embedding []float32           `json:"embedding,omitempty"`
}

type recognizeResponse struct {
	RequestID   string                  `json:"request_id"`
	Fingerprint string                  `json:"fingerprint"`
	Payload     string                  `json:"payload"`
	Source      service.Source          `json:"source"`
	Similarity  float32                 `json:"similarity,omitempty"`
	Tier        string                  `json:"tier,omitempty"`
	Decision    *models.RoutingDecision `json:"decision,omitempty"`
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var body recognizeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	content := body.Content
	if len(content) == 0 {
		content = []byte(body.Text)
	}

	reqID := RequestIDFrom(r.Context())
	res, err := s.svc.Recognize(r.Context(), service.Request{
		RequestID: reqID,
		Content:   content,
		Options:   body.Options,
		Embedding: body.Embedding,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recognizeResponse{
		RequestID:   reqID,
		Fingerprint: res.Fingerprint.String(),
		Payload:     string(res.Payload),
		Source:      res.Source,
		Similarity:  res.Similarity,
		Tier:        string(res.Tier),
		Decision:    res.Decision,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	n := s.svc.InvalidateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(r.PathValue("fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	removed := s.svc.Invalidate(r.Context(), fp)
	writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fp.String(), "removed": removed})
}

type routeRequest struct {
	Confidence  float32 `json:"confidence"`
	Uncertainty float32 `json:"uncertainty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	d := s.svc.Route(body.Confidence, body.Uncertainty)
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":      d,
		"breaker_state": s.svc.BreakerState().String(),
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, breakerStatus(s.svc))
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success bool `json:"success"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.svc.ReportLightweightOutcome(body.Success)
	writeJSON(w, http.StatusOK, breakerStatus(s.svc))
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.svc.ResetBreaker()
	s.log.Info("breaker reset", zap.String("request_id", RequestIDFrom(r.Context())))
	writeJSON(w, http.StatusOK, breakerStatus(s.svc))
}

func breakerStatus(svc *service.Service) map[string]any {
	return map[string]any{
		"healthy": svc.BreakerStatus(),
		"state":   svc.BreakerState().String(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := mgerrors.StatusCode(err)
	if code >= 500 {
		s.log.Warn("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("kind", string(mgerrors.KindOf(err))),
			zap.Error(err))
	}
	writeJSONError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"mathgate_error","code":%d}}`, message, code)
}
