package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/app"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/server"
)

var (
	configFiles []string
	serverPort  int
	serverHost  string
)

var rootCmd = &cobra.Command{
	Use:   "simpleweb",
	Short: "SimpleWeb primary coordinator",
	Long: `SimpleWeb is the coordination node of an Ansible execution cluster.
It accepts playbook jobs, dispatches them to registered workers or the
co-located local executor, distributes the content bundle, and streams
execution logs back to the UI.`,
	Version:       common.GetFullVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SimpleWeb version %s\n", common.GetFullVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil,
		"configuration file path (repeatable, later files override earlier ones)")
	rootCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (overrides config)")
	rootCmd.Flags().StringVar(&serverHost, "host", "", "server host (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Startup order: config files -> env -> flags, then logger and banner
	paths := configFiles
	if len(paths) == 0 {
		paths = discoverConfig()
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", paths).Err(err).Msg("Failed to load configuration")
		return err
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	if err := config.Validate(); err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Invalid configuration")
		return err
	}

	logger := common.InitLogger(config.Logging, "simpleweb")
	common.PrintBanner("SimpleWeb", common.GetVersion())

	logger.Info().
		Strs("config_files", paths).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Msg("Configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return err
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start background services")
		return err
	}

	srv := server.New(application)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("server panicked: %v", r)
			}
		}()
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Server stopped unexpectedly")
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
		return err
	}
	return nil
}

// discoverConfig probes the default config locations
func discoverConfig() []string {
	for _, candidate := range []string{"simpleweb.toml", "deployments/local/simpleweb.toml"} {
		if _, err := os.Stat(candidate); err == nil {
			return []string{candidate}
		}
	}
	return nil
}
