// Package api is the HTTP boundary used by the SSH gateway and by scripts
// running inside instances.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/provision"
)

type ProvisionRequest struct {
	PublicKey    string `json:"pubkey" binding:"required"`
	ExerciseName string `json:"exercise_name" binding:"required"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// InstanceRequest carries a token signed inside an instance.
type InstanceRequest struct {
	Token string `json:"token" binding:"required"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// WorkerStatus reports the live proxy workers.
type WorkerStatus interface {
	Status() map[string]interface{}
}

// HealthChecker is pinged by /healthz, e.g. the container engine.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	provisioner provision.Provisioner
	workers     WorkerStatus
	health      HealthChecker
	verifier    RequestVerifier
	logger      *zap.SugaredLogger
}

func NewHandler(provisioner provision.Provisioner, workers WorkerStatus, health HealthChecker, verifier RequestVerifier) *Handler {
	return &Handler{
		provisioner: provisioner,
		workers:     workers,
		health:      health,
		verifier:    verifier,
		logger:      logger.NewNamedLogger("api"),
	}
}

// NewRouter wires every route. gatherer serves /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/provision", h.Provision)
	api.GET("/proxy/workers", h.ProxyWorkers)

	inst := api.Group("/instance")
	inst.POST("/reset", h.ResetInstance)
	inst.POST("/submit", h.SubmitInstance)
	inst.POST("/info", h.InstanceInfo)
	return r
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debugf("Request [Method: %s, Path: %s, Status: %d, Duration: %s]",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Provision answers where the gateway should forward a session to.
func (h *Handler) Provision(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warnf("Invalid provision request: %s", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
		return
	}

	res, err := h.provisioner.Provision(c.Request.Context(), req.PublicKey, req.ExerciseName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ResetInstance is called by the reset command inside an instance.
func (h *Handler) ResetInstance(c *gin.Context) {
	claims, ok := h.verify(c)
	if !ok {
		return
	}
	if err := h.provisioner.ResetInstance(c.Request.Context(), claims.InstanceID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "OK"})
}

// SubmitInstance is called by the submit command after the submission test ran.
func (h *Handler) SubmitInstance(c *gin.Context) {
	claims, ok := h.verify(c)
	if !ok {
		return
	}
	if claims.TestRet == nil || claims.TestLog == nil {
		h.logger.Warnf("Submit request without test result [InstanceID: %d]", claims.InstanceID)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
		return
	}

	submitted, err := h.provisioner.SubmitInstance(c.Request.Context(), claims.InstanceID, *claims.TestRet, *claims.TestLog)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{
		Message: fmt.Sprintf("[+] Submission with ID %d successfully created!", submitted.ID),
	})
}

func (h *Handler) InstanceInfo(c *gin.Context) {
	claims, ok := h.verify(c)
	if !ok {
		return
	}
	info, err := h.provisioner.InstanceInfo(c.Request.Context(), claims.InstanceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// verify answers the request itself when it does not carry a valid token.
func (h *Handler) verify(c *gin.Context) (*InstanceClaims, bool) {
	var req InstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warnf("Invalid instance request: %s", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
		return nil, false
	}
	claims, err := h.verifier.Verify(req.Token)
	if err != nil {
		h.logger.Warnf("Rejected instance request [Path: %s]: %s", c.Request.URL.Path, err)
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid request"})
		return nil, false
	}
	return claims, true
}

// writeError shows expected failures as they are and internal ones only by
// their correlation id.
func writeError(c *gin.Context, err error) {
	var internal *provision.Error
	if errors.As(err, &internal) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: internal.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (h *Handler) ProxyWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, h.workers.Status())
}

func (h *Handler) Healthz(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		h.logger.Warnf("Health check failed: %s", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
