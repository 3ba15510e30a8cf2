package service

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/metrics"
	"github.com/ppiankov/impetus/internal/model"
)

var validate = validator.New()

type generateRequest struct {
	Context string         `json:"context" validate:"required,min=1,max=2000"`
	Mode    string         `json:"mode" validate:"required"`
	Meta    *decision.Meta `json:"client_meta" validate:"required"`
}

// Router builds the gin engine serving the decision contract, /health and
// /metrics.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("impetus-service"), countRequests)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes adds the service routes to r.
func (s *Service) RegisterRoutes(r gin.IRoutes) {
	r.POST(decision.Path, s.HandleGenerate)
	r.GET("/health", s.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HandleGenerate serves POST /api/v1/impetus/generate-intervention.
func (s *Service) HandleGenerate(c *gin.Context) {
	if v := c.GetHeader(decision.HeaderContractVersion); v != decision.ContractVersion {
		fail(c, http.StatusUnprocessableEntity, "ContractVersionMismatch",
			fmt.Sprintf("unsupported contract version %q, expected %s", v, decision.ContractVersion))
		return
	}
	key := c.GetHeader(decision.HeaderIdempotencyKey)
	if key == "" {
		fail(c, http.StatusUnprocessableEntity, "ValidationError", "Idempotency-Key header is required")
		return
	}
	if resp, ok := s.cache.Get(key); ok {
		s.logger.Debug("replaying cached intervention", "key", key, "action_id", resp.ActionID)
		c.JSON(http.StatusOK, resp)
		return
	}
	if !s.limiter.Allow() {
		fail(c, http.StatusTooManyRequests, "RateLimited", "too many intervention requests")
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BadRequest", "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(c, http.StatusUnprocessableEntity, "ValidationError", err.Error())
		return
	}
	mode, err := model.ParseMode(req.Mode)
	if err != nil || !mode.Agent() {
		fail(c, http.StatusUnprocessableEntity, "ValidationError",
			fmt.Sprintf("mode %q is not one of primary, chaotic", req.Mode))
		return
	}

	resp, err := s.Generate(c.Request.Context(), Input{Context: req.Context, Mode: mode, Meta: *req.Meta})
	if err != nil {
		status, code := statusOf(err)
		s.logger.Warn("intervention failed", "key", key, "provider", s.provider.Name(), "error", err)
		fail(c, status, code, "intervention could not be generated")
		return
	}

	s.cache.Set(key, resp)
	s.logger.Info("intervention generated",
		"key", key, "action", resp.Action, "action_id", resp.ActionID, "mode", mode)
	c.JSON(http.StatusOK, resp)
}

// HandleHealth serves GET /health.
func (s *Service) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"provider":         s.provider.Name(),
		"contract_version": decision.ContractVersion,
	})
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, decision.ErrorBody{Error: code, Message: msg})
}

func countRequests(c *gin.Context) {
	c.Next()
	metrics.ServiceRequests.WithLabelValues(strconv.Itoa(c.Writer.Status())).Inc()
}
