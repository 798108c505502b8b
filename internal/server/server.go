// Package server exposes classification lookups, offload simulations and
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/offload/internal/logger"
	"github.com/samcharles93/offload/internal/pipeline"
	"github.com/samcharles93/offload/internal/toy"
	"github.com/samcharles93/offload/internal/version"
	"github.com/samcharles93/offload/pkg/memory"
	"github.com/samcharles93/offload/pkg/nn"
	"github.com/samcharles93/offload/pkg/policy"
	"github.com/samcharles93/offload/pkg/tensor"
)

// SimulateFunc runs one simulation. It is pipeline.Simulate outside tests.
type SimulateFunc func(ctx context.Context, cfg pipeline.SimulateConfig, log logger.Logger) (pipeline.SimulateReport, error)

type Server struct {
	log      logger.Logger
	defaults pipeline.SimulateConfig
	simulate SimulateFunc

	// Simulations share the process-wide metrics and run one at a time.
	mu sync.Mutex
}

func New(log logger.Logger, defaults pipeline.SimulateConfig) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{log: log, defaults: defaults, simulate: pipeline.Simulate}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/classify", s.handleClassify)
	e.POST("/v1/simulate", s.handleSimulate)
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": errorBody{Message: msg, Type: errType},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

type Classification struct {
	Kind     string `json:"kind"`
	Class    string `json:"class"`
	Eligible bool   `json:"eligible"`
}

// Classify looks up each kind in the policy table.
func Classify(kinds ...string) []Classification {
	out := make([]Classification, 0, len(kinds))
	for _, k := range kinds {
		c := policy.Classify(k)
		out = append(out, Classification{Kind: k, Class: c.String(), Eligible: c.Eligible()})
	}
	return out
}

func (s *Server) handleClassify(c *echo.Context) error {
	kinds := c.Request().URL.Query()["kind"]
	if len(kinds) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "at least one kind query parameter is required")
	}
	return c.JSON(http.StatusOK, map[string]any{"data": Classify(kinds...)})
}

func (s *Server) handleSimulate(c *echo.Context) error {
	cfg := s.defaults
	if c.Request().ContentLength != 0 {
		dec := json.NewDecoder(c.Request().Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", "decode request: "+err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rep, err := s.simulate(c.Request().Context(), cfg, s.log)
	if err != nil {
		status, typ := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("simulation failed", "error", err)
		}
		return writeError(c, status, typ, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, memory.ErrInvalidOffloadFraction),
		errors.Is(err, tensor.ErrUnknownDevice),
		errors.Is(err, tensor.ErrUnknownDType),
		errors.Is(err, nn.ErrNoSuchModule),
		errors.Is(err, pipeline.ErrInvalidConfig),
		errors.Is(err, toy.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, tensor.ErrOutOfMemory):
		return http.StatusInsufficientStorage, "out_of_memory_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
