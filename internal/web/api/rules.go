package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"dsrules/internal/engine"
	"dsrules/internal/rules"
	"dsrules/internal/web/middleware"
)

func RegisterRuleRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps Dependencies) {
	group := r.Group("/rules")
	group.Use(middleware.RequireAuth())
	{
		group.GET("", func(c *gin.Context) {
			var list []rules.Summary
			if !onLoop(c, deps.Engine, func() { list = deps.Rules.List() }) {
				return
			}
			if list == nil {
				list = []rules.Summary{}
			}
			c.JSON(http.StatusOK, list)
		})

		group.GET("/:id", func(c *gin.Context) {
			id := c.Param("id")
			var (
				path  string
				value any
				found bool
			)
			if !onLoop(c, deps.Engine, func() { path, value, found = deps.Rules.Get(id) }) {
				return
			}
			if !found {
				c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"path": path, "rule": value})
		})

		group.POST("", func(c *gin.Context) {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			doc, err := rules.ParseJSON(body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			var result rules.Result
			if !onLoop(c, deps.Engine, func() { result, err = deps.Rules.Save(doc) }) {
				return
			}
			switch {
			case errors.Is(err, rules.ErrInvalid):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusCreated, result)
			}
		})

		group.DELETE("/:id", func(c *gin.Context) {
			id := c.Param("id")
			var err error
			if !onLoop(c, deps.Engine, func() { err = deps.Rules.Delete(id) }) {
				return
			}
			switch {
			case errors.Is(err, engine.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
			case err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.Status(http.StatusNoContent)
			}
		})
	}
}
