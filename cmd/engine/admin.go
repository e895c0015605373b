package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dsrules/auth"
	"dsrules/internal/config"
	"dsrules/internal/engine"
	"dsrules/internal/rules"
	"dsrules/internal/scheduler"
	"dsrules/internal/tree"
)

// withEngine runs fn on the loop of an engine over the configured tree.
// No devices are attached; only the tree and registry are touched.
func withEngine(ctx context.Context, cfg *config.Config, fn func(eng *engine.Engine, store *rules.Store) error) error {
	client := tree.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	t := tree.NewRedis(client, cfg.Redis.TreePrefix)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := scheduler.NewLoop(0)
	go loop.Run(ctx)

	eng := engine.New(t, loop, engine.Options{RulesRoot: cfg.Engine.RulesRoot, TriggersRoot: cfg.Engine.TriggersRoot})
	store := rules.NewStore(t, eng.RulesRoot(), eng.Registry)

	var err error
	if doErr := eng.Do(ctx, func() { err = fn(eng, store) }); doErr != nil {
		return doErr
	}
	return err
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Store rule documents (JSON or YAML) and register them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var docs []rules.Document
			for _, path := range args {
				loaded, err := rules.LoadFile(path)
				if err != nil {
					return err
				}
				docs = append(docs, loaded...)
			}
			return withEngine(cmd.Context(), cfg, func(_ *engine.Engine, store *rules.Store) error {
				for _, doc := range docs {
					res, err := store.Save(doc)
					if err != nil {
						return err
					}
					status := "ok"
					if !res.Succeeded {
						status = "partial"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", doc.ID, res.Path, status)
				}
				return nil
			})
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:   "register <path> <event>",
		Short: "Relay events matching the rule at path as event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var extra map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &extra); err != nil {
					return fmt.Errorf("--params: %w", err)
				}
			}
			return withEngine(cmd.Context(), cfg, func(eng *engine.Engine, _ *rules.Store) error {
				reg, err := eng.Registry.Register(args[0], args[1], extra)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %d\n", reg.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "JSON object merged into relayed events")
	return cmd
}

func newUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <path>",
		Short: "Remove the trigger registration for path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(eng *engine.Engine, _ *rules.Store) error {
				return eng.Registry.Unregister(args[0])
			})
		},
	}
}

func newTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List trigger registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(eng *engine.Engine, _ *rules.Store) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPATH\tEVENT\tPARAMS")
				for _, reg := range eng.Registry.List() {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", reg.ID, reg.TriggerPath, reg.RelayedEventName, reg.AdditionalRelayingParameter)
				}
				return w.Flush()
			})
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash to use as auth.admin_password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
