package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dsrules/internal/db"
	"dsrules/internal/engine"
	"dsrules/internal/events"
	"dsrules/internal/rules"
	"dsrules/internal/tree"
)

// Engine is the part of the rule engine the handlers drive
type Engine interface {
	Do(ctx context.Context, fn func()) error
	Raise(ev events.Event)
	Tree() tree.Tree
}

// HistoryReader lists recorded executions
type HistoryReader interface {
	ListRecent(ctx context.Context, rulePath string, limit int) ([]db.ExecutionRecord, error)
}

// Dependencies are shared by the route groups. History may be nil.
type Dependencies struct {
	Engine   Engine
	Registry *engine.Registry
	Rules    *rules.Store
	History  HistoryReader
}

// onLoop runs fn on the engine loop, answering 503 when the engine is gone.
// fn may still run after a cancelled request so it must not touch c.
func onLoop(c *gin.Context, e Engine, fn func()) bool {
	if err := e.Do(c.Request.Context(), fn); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}
