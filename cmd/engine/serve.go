package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dsrules/auth"
	"dsrules/internal/config"
	"dsrules/internal/db"
	"dsrules/internal/engine"
	"dsrules/internal/events"
	"dsrules/internal/internet_bridge"
	"dsrules/internal/metrics"
	"dsrules/internal/mqtt"
	"dsrules/internal/rules"
	"dsrules/internal/scheduler"
	"dsrules/internal/taskqueue"
	"dsrules/internal/tree"
	"dsrules/internal/urlcall"
	"dsrules/internal/web"
	"dsrules/internal/web/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rule engine and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// lateRaiser lets the task queue be built before the engine it raises into
type lateRaiser struct {
	eng *engine.Engine
}

func (l *lateRaiser) Raise(ev events.Event) { l.eng.Raise(ev) }

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	redisClient := tree.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	propTree := tree.NewRedis(redisClient, cfg.Redis.TreePrefix)

	mqttClient, err := mqtt.NewClient(cfg.MQTT.Broker, cfg.MQTT.ClientID)
	if err != nil {
		return err
	}
	defer mqttClient.Disconnect(250)

	var history *db.DB
	if cfg.Database.URL != "" {
		history, err = db.NewDB(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer history.Close()
	}

	m := metrics.New()
	raiser := &lateRaiser{}
	opts := engine.Options{
		RulesRoot:    cfg.Engine.RulesRoot,
		TriggersRoot: cfg.Engine.TriggersRoot,
		Location:     loc,
		OverlapGuard: cfg.Engine.OverlapGuard,
		URLTimeout:   cfg.HTTP.URLTimeout,
		Apartment:    mqtt.NewApartment(mqttClient),
		Fetcher:      urlcall.New(cfg.HTTP.URLTimeout),
		Metrics:      m,
	}
	if history != nil {
		opts.History = history
	}

	var queue *taskqueue.Queue
	if cfg.Engine.DurableDelays {
		queue = taskqueue.New(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, raiser)
		opts.Delayed = queue
	}

	loop := scheduler.NewLoop(0)
	eng := engine.New(propTree, loop, opts)
	raiser.eng = eng

	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	hub := api.NewHub()
	eng.AddObserver(hub)
	eng.AddObserver(mqtt.NewMirror(mqttClient))

	if err := mqtt.NewIngress(eng).Start(mqttClient); err != nil {
		return err
	}

	if queue != nil {
		if err := queue.Start(); err != nil {
			return err
		}
		defer queue.Stop()
	}

	cron := scheduler.NewCron(eng, loc)
	if err := cron.LoadSchedules(schedules(cfg.Schedules)); err != nil {
		log.Warn().Err(err).Msg("some schedules were not loaded")
	}
	cron.Start()
	defer cron.Stop()

	if cfg.MDNS.Enabled {
		if conn, err := startMDNSServer(cfg.MDNS.LocalName); err != nil {
			log.Warn().Err(err).Msg("mDNS announcement disabled")
		} else {
			defer conn.Close()
		}
	}

	if cfg.Remote.Enabled {
		agent := internet_bridge.New(internet_bridge.Config{
			PublicWS:   cfg.Remote.PublicWS,
			LocalURL:   fmt.Sprintf("http://127.0.0.1:%d", cfg.App.Port),
			ServerID:   cfg.App.AgentID,
			RetryDelay: cfg.Remote.RetryDelay,
		})
		go agent.Start(ctx)
	} else {
		log.Info().Msg("remote access bridge is disabled")
	}

	deps := api.Dependencies{
		Engine:   eng,
		Registry: eng.Registry,
		Rules:    rules.NewStore(propTree, eng.RulesRoot(), eng.Registry),
	}
	if history != nil {
		deps.History = history
	}
	server := web.NewWebServer(web.Options{
		Auth:    auth.NewAuthModule(cfg.Auth.AdminUser, cfg.Auth.AdminPassHash, cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime),
		Deps:    deps,
		Hub:     hub,
		Metrics: m.Handler(),
	})

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	log.Info().Str("addr", addr).Str("agent", cfg.App.AgentID).Msg("rule engine running")
	err = server.Start(ctx, addr)
	cancel()
	<-loopDone
	log.Info().Msg("shutdown complete")
	return err
}

func schedules(in []config.ScheduleConfig) []scheduler.Schedule {
	out := make([]scheduler.Schedule, 0, len(in))
	for _, s := range in {
		params := make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			params[k] = v
		}
		out = append(out, scheduler.Schedule{ID: s.ID, Spec: s.Cron, Event: events.New(s.Event, params)})
	}
	return out
}
