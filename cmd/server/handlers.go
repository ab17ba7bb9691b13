package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/confirmation"
	custom_context "github.com/yourorg/momo-confirm/internal/context"
	"github.com/yourorg/momo-confirm/internal/monitor"
	"github.com/yourorg/momo-confirm/internal/orchestrator"
	"github.com/yourorg/momo-confirm/internal/poller"
	"github.com/yourorg/momo-confirm/internal/reporting"
)

type server struct {
	orch     *orchestrator.Orchestrator
	recorder *reporting.Recorder
	reporter *reporting.RetrospectiveReporter
	contract *monitor.ContractMonitor
	log      *zap.SugaredLogger
}

func setupRouter(s *server, tracing bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if tracing {
		router.Use(otelgin.Middleware("momo-confirm"))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.orch.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	confirmations := router.Group("/confirmations")
	confirmations.POST("", s.openHandler)
	confirmations.GET("/:id", s.getHandler)
	confirmations.POST("/:id/retry", s.retryHandler)
	confirmations.POST("/:id/cancel", s.cancelHandler)
	confirmations.DELETE("/:id", s.closeHandler)

	router.GET("/reports/confirmations", s.reportHandler)
	return router
}

func (s *server) openHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body: " + err.Error()})
		return
	}
	valid, violations, err := s.contract.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations), "details": violations})
		return
	}

	var req custom_context.OpenRequest
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	view, err := s.orch.Open(c.Request.Context(), req, poller.Callbacks{})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *server) getHandler(c *gin.Context) {
	view, err := s.orch.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *server) retryHandler(c *gin.Context) {
	view, err := s.orch.Retry(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *server) cancelHandler(c *gin.Context) {
	view, err := s.orch.Cancel(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *server) closeHandler(c *gin.Context) {
	if err := s.orch.Close(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) reportHandler(c *gin.Context) {
	report, err := s.reporter.GenerateRetrospective(s.recorder.Entries())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateReference),
		errors.Is(err, confirmation.ErrInvalidTransition),
		errors.Is(err, confirmation.ErrNothingToVerify):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Errorw("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
