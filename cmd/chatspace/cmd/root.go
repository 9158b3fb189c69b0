// Package cmd provides the CLI commands for chatspace.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/magnusfroste/privateai-chatspace/internal/config"
	"github.com/magnusfroste/privateai-chatspace/internal/logging"
	"github.com/magnusfroste/privateai-chatspace/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()

	// cfg is loaded once in the persistent pre-run and shared by all
	// subcommands.
	cfg *config.Config
)

// NewRootCmd creates the root command for the chatspace CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatspace",
		Short: "Workspace-scoped retrieval engine for RAG pipelines",
		Long: `Chatspace indexes documents into per-workspace vector collections and
answers queries through a multi-stage pipeline: query expansion, dense or
hybrid search, rank fusion, deduplication, and cross-encoder reranking.

Backends: a Qdrant server (hybrid dense+sparse) or an embedded local
index (dense only). Select with store.type in the config file or the
CHATSPACE_STORE environment variable.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("chatspace version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupRun
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newChunksCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func setupRun(*cobra.Command, []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
