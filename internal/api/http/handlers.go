package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/runtime"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/surface"
)

// Handlers contains HTTP request handlers.
type Handlers struct {
	manager *runtime.Manager
	hub     *surface.Hub
	log     *logging.Logger
}

// NewHandlers creates HTTP handlers with dependencies.
func NewHandlers(manager *runtime.Manager, hub *surface.Hub, log *logging.Logger) *Handlers {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handlers{
		manager: manager,
		hub:     hub,
		log:     log.Named("http"),
	}
}

// Root handles GET /
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "extension-host",
		"status":  "running",
	})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"extensions": len(h.manager.List()),
		"clients":    h.hub.ClientCount(),
	})
}

type launchRequest struct {
	Source       string   `json:"source" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

// LaunchExtension handles POST /extensions
func (h *Handlers) LaunchExtension(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "source is required",
		})
		return
	}

	rt, err := h.manager.Launch(c.Request.Context(), req.Source, req.Capabilities)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"instanceId": rt.ID(),
		"commands":   rt.Commands(),
		"tools":      rt.Tools(),
	})
}

// ListExtensions handles GET /extensions
func (h *Handlers) ListExtensions(c *gin.Context) {
	infos := h.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"extensions": infos,
		"count":      len(infos),
	})
}

// GetExtension handles GET /extensions/:id
func (h *Handlers) GetExtension(c *gin.Context) {
	rt, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"extension": runtime.Info{
			InstanceID: rt.ID(),
			State:      rt.State(),
			Commands:   rt.Commands(),
			Tools:      rt.Tools(),
		},
	})
}

// DisposeExtension handles DELETE /extensions/:id
func (h *Handlers) DisposeExtension(c *gin.Context) {
	graceful := c.DefaultQuery("graceful", "true") != "false"

	if err := h.manager.Dispose(c.Param("id"), graceful); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type actionRequest struct {
	ActionID string `json:"actionId" binding:"required"`
}

// HandleAction handles POST /extensions/:id/actions
func (h *Handlers) HandleAction(c *gin.Context) {
	rt, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "actionId is required",
		})
		return
	}

	if err := rt.HandleAction(c.Request.Context(), req.ActionID); err != nil {
		c.JSON(invokeStatus(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type invokeRequest struct {
	Args   map[string]interface{} `json:"args"`
	Params map[string]interface{} `json:"params"`
}

// InvokeCommand handles POST /extensions/:id/commands/:name
func (h *Handlers) InvokeCommand(c *gin.Context) {
	rt, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request body",
		})
		return
	}

	result, err := rt.InvokeCommand(c.Request.Context(), c.Param("name"), req.Args)
	if err != nil {
		c.JSON(invokeStatus(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  rawResult(result),
	})
}

// InvokeTool handles POST /extensions/:id/tools/:name
func (h *Handlers) InvokeTool(c *gin.Context) {
	rt, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request body",
		})
		return
	}

	result, err := rt.InvokeTool(c.Request.Context(), c.Param("name"), req.Params)
	if err != nil {
		c.JSON(invokeStatus(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  rawResult(result),
	})
}

// Stream handles GET /ws
func (h *Handlers) Stream(c *gin.Context) {
	h.hub.HandleConnection(c)
}

// invokeStatus maps dispatch errors onto HTTP status codes. Unknown
// names and dead action ids are client errors, everything else is a
// sandbox-side failure.
func invokeStatus(err error) int {
	msg := err.Error()
	switch {
	case errors.Is(err, runtime.ErrDisposed):
		return http.StatusGone
	case strings.HasPrefix(msg, "unknown"), strings.HasPrefix(msg, "malformed"):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// rawResult passes sandbox JSON through without re-encoding.
func rawResult(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
