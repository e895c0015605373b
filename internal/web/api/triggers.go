package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dsrules/internal/engine"
	"dsrules/internal/web/middleware"
	"dsrules/internal/web/models"
)

func RegisterTriggerRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps Dependencies) {
	triggers := r.Group("/triggers")
	triggers.Use(middleware.RequireAuth())
	{
		triggers.GET("", func(c *gin.Context) {
			var regs []engine.Registration
			if !onLoop(c, deps.Engine, func() { regs = deps.Registry.List() }) {
				return
			}
			if regs == nil {
				regs = []engine.Registration{}
			}
			c.JSON(http.StatusOK, regs)
		})

		triggers.POST("", func(c *gin.Context) {
			var req models.RegisterTriggerRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			var (
				reg engine.Registration
				err error
			)
			if !onLoop(c, deps.Engine, func() { reg, err = deps.Registry.Register(req.Path, req.EventName, req.Params) }) {
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, reg)
		})

		triggers.DELETE("", func(c *gin.Context) {
			var req models.UnregisterTriggerRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			var err error
			if !onLoop(c, deps.Engine, func() { err = deps.Registry.Unregister(req.Path) }) {
				return
			}
			switch {
			case engine.IsNotFound(err):
				c.JSON(http.StatusNotFound, gin.H{"error": "Trigger not found"})
			case err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.Status(http.StatusNoContent)
			}
		})
	}
}
