package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sevir/kernelbridge/internal/kernel"
	"github.com/sevir/kernelbridge/internal/ports"
	"github.com/sevir/kernelbridge/internal/registry"
	"github.com/sevir/kernelbridge/internal/supervisor"
	"github.com/sevir/kernelbridge/internal/transport"
	"github.com/sevir/kernelbridge/pkg/models"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleVersion)
		api.POST("/sessions", s.handleSpawn)
		api.GET("/sessions", s.handleList)
		api.GET("/sessions/:id", s.handleGet)
		api.GET("/sessions/:id/info", s.handleKernelInfo)
		api.POST("/sessions/:id/execute", s.handleExecute)
		api.POST("/sessions/:id/interrupt", s.handleInterrupt)
		api.POST("/sessions/:id/restart", s.handleRestart)
		api.DELETE("/sessions/:id", s.handleShutdown)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": len(s.registry.List()),
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleSpawn(c *gin.Context) {
	var req models.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.registry.Provide(c.Request.Context(), req)
	if err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess.Summary()})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry.List()})
}

func (s *Server) handleGet(c *gin.Context) {
	sess, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Summary()})
}

func (s *Server) handleKernelInfo(c *gin.Context) {
	info, err := s.registry.KernelInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kernel_info": info})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req models.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	id := c.Param("id")
	sess, err := s.registry.Get(id)
	if err != nil {
		s.writeAPIError(c, err)
		return
	}

	exec, err := sess.Execute(req.Code, req.StoreHistory)
	if err != nil {
		s.writeAPIError(c, err)
		return
	}

	if req.Stream {
		s.streamExecution(c, sess, exec)
		return
	}

	result, err := exec.Wait(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// streamExecution pushes result snapshots as server-sent events and ends
// with a "result" event carrying the final state.
func (s *Server) streamExecution(c *gin.Context, sess *kernel.Session, exec *kernel.Execution) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	updates, cancel := exec.Subscribe()
	defer cancel()

	fmt.Fprintf(c.Writer, "event: started\ndata: {\"msg_id\":%q}\n\n", exec.MessageID())
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-sess.Disposed():
			s.writeSSE(c, flusher, "aborted", gin.H{"error": "session shut down"})
			return
		case snapshot, open := <-updates:
			if !open {
				s.writeSSE(c, flusher, "result", exec.Result())
				return
			}
			s.writeSSE(c, flusher, "update", snapshot)
		}
	}
}

func (s *Server) writeSSE(c *gin.Context, flusher http.Flusher, event string, payload any) {
	fmt.Fprintf(c.Writer, "event: %s\ndata: ", event)
	enc := json.NewEncoder(c.Writer)
	if err := enc.Encode(payload); err != nil {
		s.logger.Warn("sse encode failed", zap.Error(err))
		return
	}
	fmt.Fprint(c.Writer, "\n")
	flusher.Flush()
}

func (s *Server) handleInterrupt(c *gin.Context) {
	if err := s.registry.Interrupt(c.Param("id")); err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleRestart(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Restart(c.Request.Context(), id); err != nil {
		s.writeAPIError(c, err)
		return
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Summary()})
}

func (s *Server) handleShutdown(c *gin.Context) {
	if err := s.registry.Shutdown(c.Param("id")); err != nil {
		s.writeAPIError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeAPIError maps domain errors onto HTTP statuses.
func (s *Server) writeAPIError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, kernel.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, kernel.ErrNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, supervisor.ErrDependencyMissing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ports.ErrExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrConnectTimeout):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
