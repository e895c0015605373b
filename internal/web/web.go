// Package web serves the JSON admin API
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dsrules/auth"
	"dsrules/internal/web/api"
	"dsrules/internal/web/middleware"
)

const shutdownTimeout = 5 * time.Second

// Options configures the server. Metrics may be nil.
type Options struct {
	Auth    *auth.AuthModule
	Deps    api.Dependencies
	Hub     *api.Hub
	Metrics http.Handler
}

type WebServer struct {
	router *gin.Engine
}

func NewWebServer(opts Options) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	middlewareManager := middleware.NewMiddlewareManager(opts.Auth)
	router.Use(gin.Recovery(), middlewareManager.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api.RegisterAuthRoutes(router, opts.Auth)
	api.RegisterRuleRoutes(router, middlewareManager, opts.Deps)
	api.RegisterTriggerRoutes(router, middlewareManager, opts.Deps)
	api.RegisterEventRoutes(router, middlewareManager, opts.Deps)
	if opts.Hub != nil {
		api.RegisterStreamRoutes(router, middlewareManager, opts.Hub)
	}

	return &WebServer{router: router}
}

// Handler exposes the router, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves on addr until ctx is done
func (ws *WebServer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: ws.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
