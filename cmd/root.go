package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/background"
	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/download"
	"github.com/surge-downloader/filetransfer/internal/engine/state"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Global flags
var (
	globalHost     string
	globalToken    string
	globalLogLevel string
)

// settings is loaded once per invocation by the root PersistentPreRunE.
var settings = config.DefaultSettings()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "filetransfer",
	Short:         "A resumable, concurrent file-transfer engine",
	Long:          `filetransfer downloads files over HTTP(S) in parallel byte ranges, resumes interrupted transfers and can run as a server controlled over a REST/WebSocket API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadSettings()
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		settings = loaded

		level := settings.General.LogLevel
		if globalLogLevel != "" {
			level = globalLogLevel
		}
		utils.InitLogger(level)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalHost, "host", "", "Server to control, host:port or URL (or set FILETRANSFER_HOST)")
	rootCmd.PersistentFlags().StringVar(&globalToken, "token", "", "Bearer token for the server (or set FILETRANSFER_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.SetVersionTemplate(fmt.Sprintf("filetransfer version {{.Version}} (built %s)\n", BuildTime))
}

// localDefaults fills AddRequest gaps from settings.
func localDefaults() core.Defaults {
	return core.Defaults{
		DownloadDir:         settings.General.DefaultDownloadDir,
		Resumable:           settings.General.Resumable,
		MaxConcurrentChunks: settings.Connections.MaxConcurrentChunks,
		RateLimit:           settings.Connections.RateLimit,
	}
}

// openLocalService builds an in-process service persisting resume state to
// the state database. The caller closes the returned store after shutting
// the service down.
func openLocalService(exec background.Executor) (*core.LocalTransferService, *state.Store, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("create app dirs: %w", err)
	}
	store, err := state.Open(config.GetStateDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open state db: %w", err)
	}

	opts := []download.Option{
		download.WithRuntime(types.ConvertRuntimeConfig(settings.ToRuntimeConfig())),
		download.WithStagingRoot(settings.ResolveStagingDir()),
		download.WithStore(store),
	}
	if exec != nil {
		opts = append(opts, download.WithExecutor(exec))
	}
	return core.NewLocalTransferService(localDefaults(), opts...), store, nil
}
