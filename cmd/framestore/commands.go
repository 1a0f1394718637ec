package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/instfile"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/schema"
	"github.com/orneryd/framestore/pkg/serial"
	"github.com/orneryd/framestore/pkg/store"
)

func (a *app) checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the store and print the regeneration report",
		Long: `Load every stored instance against the current schema and print which
instances are fully invalid, partially valid or unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			strict, _ := cmd.Flags().GetBool("strict")
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				report := s.RegenReport()
				if _, err := report.WriteTo(cmd.OutOrStdout()); err != nil {
					return err
				}
				if strict && !report.Clean() {
					return errors.New("store does not fit the schema")
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("strict", false, "Fail unless every instance regenerates fully")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored identities and their types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				out := cmd.OutOrStdout()
				for _, id := range s.AllIdentities() {
					t, err := s.Type(id)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s\t%s\n", id, t)
				}
				return nil
			})
		},
	}
}

// getOutput is the YAML printed by get.
type getOutput struct {
	Identity string           `yaml:"identity"`
	Type     string           `yaml:"type"`
	Status   string           `yaml:"status"`
	Error    string           `yaml:"error,omitempty"`
	Pruned   []string         `yaml:"pruned,omitempty"`
	Instance *serial.Document `yaml:"instance,omitempty"`
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <identity>",
		Short: "Print a stored instance as regenerated against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				res, err := s.Get(frame.Identity(args[0]))
				if err != nil {
					return err
				}
				return printYAML(cmd, describe(res))
			})
		},
	}
}

func describe(res *regen.Result) getOutput {
	out := getOutput{
		Identity: string(res.Identity),
		Type:     string(res.RootTypeID),
		Status:   res.Status.String(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for _, p := range res.PrunedPaths() {
		out.Pruned = append(out.Pruned, p.String())
	}
	if res.Usable() {
		out.Instance = serial.Render(res.Root)
	}
	return out
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (a *app) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <identity> <instance.yaml>",
		Short: "Store an instance, replacing any instance with the same identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, model *schema.Model) error {
				g, err := instfile.Load(args[1], model)
				if err != nil {
					return err
				}
				previous, err := s.Add(g, frame.Identity(args[0]))
				if err != nil {
					return err
				}
				verb := "added"
				if previous != nil {
					verb = "replaced"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove a stored instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				id := frame.Identity(args[0])
				referencers := s.Referencers(id)
				if err := s.Remove(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
				for _, r := range referencers {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s still references %s\n", r, id)
				}
				return nil
			})
		},
	}
}

func (a *app) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <identity> <new-identity>",
		Short: "Give a stored instance a new identity and update references to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				if err := s.Rename(frame.Identity(args[0]), frame.Identity(args[1])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func (a *app) matchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <query.yaml>",
		Short: "List the stored instances matched by a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, model *schema.Model) error {
				query, err := instfile.Load(args[0], model)
				if err != nil {
					return err
				}
				ids, err := s.Match(query)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func (a *app) refsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <identity>",
		Short: "Show the references of an instance in both directions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				id := frame.Identity(args[0])
				out := cmd.OutOrStdout()
				for _, r := range s.References(id) {
					fmt.Fprintf(out, "-> %s\n", r)
				}
				for _, r := range s.Referencers(id) {
					fmt.Fprintf(out, "<- %s\n", r)
				}
				return nil
			})
		},
	}
}

func (a *app) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write a snapshot of the stored records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				f, err := os.Create(args[0])
				if err != nil {
					return errors.Wrap(err, "failed to create backup file")
				}
				if err := s.Backup(f); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Load a snapshot written by backup into an empty store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(err, "failed to open backup file")
				}
				defer f.Close()

				report, err := s.Restore(f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d instances\n", s.Len())
				if !report.Clean() {
					_, err = report.WriteTo(cmd.OutOrStdout())
				}
				return err
			})
		},
	}
}

func (a *app) gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim disk space left by replaced and removed instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.Store, _ *schema.Model) error {
				return s.CollectGarbage()
			})
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the store open and reload it whenever the schema file changes",
		Long: `Keep the store open, regenerate every instance when the schema file
changes and log the outcome. With metrics enabled the Prometheus endpoint is
served at /metrics until interrupted.`,
		Args: cobra.NoArgs,
		RunE: a.runWatch,
	}
}

func (a *app) runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reg *prometheus.Registry
	if a.cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	s, model, err := a.openStore(registerer)
	if err != nil {
		return err
	}
	defer s.Close()

	if reg != nil {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.log.Info("serving metrics", zap.String("address", a.cfg.Metrics.Address))
	}

	if !a.cfg.Schema.Watch {
		a.log.Info("schema watching disabled; holding store open")
		<-ctx.Done()
		return nil
	}

	a.log.Info("watching schema", zap.String("path", a.cfg.Schema.Path))
	err = schema.WatchFile(ctx, a.cfg.Schema.Path, model, a.log, func() {
		report, err := s.Reload()
		if err != nil {
			a.log.Error("reload failed", zap.Error(err))
			return
		}
		a.log.Info("store reloaded after schema change",
			zap.Stringer("run", report.RunID),
			zap.Bool("clean", report.Clean()))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
