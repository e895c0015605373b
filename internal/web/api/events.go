package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dsrules/internal/db"
	"dsrules/internal/events"
	"dsrules/internal/tree"
	"dsrules/internal/web/middleware"
	"dsrules/internal/web/models"
)

const (
	statesRoot      = "/usr/states"
	addonStatesRoot = "/usr/addon-states"
)

func RegisterEventRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps Dependencies) {
	protected := r.Group("")
	protected.Use(middleware.RequireAuth())
	{
		protected.POST("/events", func(c *gin.Context) {
			var ev events.Event
			dec := json.NewDecoder(c.Request.Body)
			dec.UseNumber()
			if err := dec.Decode(&ev); err != nil || ev.Name == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			deps.Engine.Raise(ev)
			c.JSON(http.StatusAccepted, gin.H{"raised": ev.Name})
		})

		protected.GET("/states", func(c *gin.Context) {
			var resp models.StatesResponse
			t := deps.Engine.Tree()
			if !onLoop(c, deps.Engine, func() {
				resp.States = tree.Snapshot(t, statesRoot)
				resp.AddonStates = tree.Snapshot(t, addonStatesRoot)
			}) {
				return
			}
			c.JSON(http.StatusOK, resp)
		})

		protected.GET("/history", func(c *gin.Context) {
			if deps.History == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "History disabled"})
				return
			}
			limit := db.DefaultListLimit
			if raw := c.Query("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
					return
				}
				limit = n
			}
			records, err := deps.History.ListRecent(c.Request.Context(), c.Query("rule"), limit)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch history"})
				return
			}
			if records == nil {
				records = []db.ExecutionRecord{}
			}
			c.JSON(http.StatusOK, records)
		})
	}
}
