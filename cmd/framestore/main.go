// Package main provides the framestore CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/framestore/pkg/config"
	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/logging"
	"github.com/orneryd/framestore/pkg/matcher/sqlindex"
	"github.com/orneryd/framestore/pkg/schema"
	"github.com/orneryd/framestore/pkg/store"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by every command once flags are parsed.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "framestore",
		Short: "framestore - durable instance store with structural matching",
		Long: `framestore keeps frame-structured instances on disk, re-checks them
against the live schema on every load, and answers structural match
queries over them.

Instance and query files are YAML descriptions:

  type: Patient
  slots:
    diagnosis:
      - type: Flu`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: search standard locations)")
	flags.String("data-dir", "", "Data directory")
	flags.String("schema", "", "Schema YAML file")
	flags.Bool("sync-writes", false, "Fsync every write")
	flags.Bool("low-memory", false, "Use minimal RAM")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console, json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "framestore v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(
		a.checkCmd(),
		a.listCmd(),
		a.getCmd(),
		a.addCmd(),
		a.removeCmd(),
		a.renameCmd(),
		a.matchCmd(),
		a.refsCmd(),
		a.backupCmd(),
		a.restoreCmd(),
		a.gcCmd(),
		a.watchCmd(),
	)
	return rootCmd
}

// setup loads configuration with the usual precedence and applies command
// line overrides on top.
func (a *app) setup(cmd *cobra.Command) error {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}

	if v, _ := flags.GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := flags.GetString("schema"); v != "" {
		cfg.Schema.Path = v
	}
	if flags.Changed("sync-writes") {
		cfg.Store.SyncWrites, _ = flags.GetBool("sync-writes")
	}
	if flags.Changed("low-memory") {
		cfg.Store.LowMemory, _ = flags.GetBool("low-memory")
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	log, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	a.log.Debug("configuration loaded", zap.String("config", path), zap.Stringer("settings", cfg))
	return nil
}

// openStore loads the schema and opens the store with the configured
// matchers. reg may be nil.
func (a *app) openStore(reg prometheus.Registerer) (*store.Store, *schema.Model, error) {
	model, err := schema.Load(a.cfg.Schema.Path)
	if err != nil {
		return nil, nil, err
	}

	b := store.NewBuilder(store.Options{
		Schema:        model,
		DataDir:       a.cfg.Store.DataDir,
		InMemory:      a.cfg.Store.InMemory,
		SyncWrites:    a.cfg.Store.SyncWrites,
		LowMemory:     a.cfg.Store.LowMemory,
		MaxRecordSize: a.cfg.Store.MaxRecordSize,
		Logger:        a.log,
		Registerer:    reg,
		ReportFile:    a.cfg.Store.ReportFile,
	})

	var idx *sqlindex.Matcher
	if sc := a.cfg.Matchers.SQLIndex; sc.Enabled {
		types := make([]frame.TypeID, len(sc.Types))
		for i, t := range sc.Types {
			types[i] = frame.TypeID(t)
		}
		idx, err = sqlindex.Open(sqlindex.Options{
			Path:   a.cfg.SQLIndexPath(),
			Types:  types,
			Schema: model,
			Logger: a.log,
		})
		if err != nil {
			return nil, nil, err
		}
		b.AddMatcher(idx)
	}

	s, err := b.Build()
	if err != nil {
		if idx != nil {
			idx.Close()
		}
		return nil, nil, err
	}
	return s, model, nil
}

// withStore runs fn against an open store and closes it afterwards.
func (a *app) withStore(fn func(s *store.Store, model *schema.Model) error) error {
	s, model, err := a.openStore(nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			a.log.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(s, model)
}
