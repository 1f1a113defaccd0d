package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/worker"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "simpleweb-worker",
	Short: "SimpleWeb execution worker",
	Long: `The SimpleWeb worker registers with a primary coordinator, keeps a
local copy of the content bundle in sync, polls for assigned playbook
jobs, executes them with ansible-playbook, and streams logs back.

Configuration comes from a YAML file and the environment (SERVER_URL,
REGISTRATION_TOKEN, WORKER_NAME, WORKER_TAGS, ...); environment values
override the file.`,
	Version:       common.GetFullVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SimpleWeb Worker version %s\n", common.GetFullVersion())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := worker.LoadConfig(configFile)
	if err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Invalid worker configuration")
		return err
	}

	logger := common.InitLogger(cfg.Logging, "simpleweb-worker")
	common.PrintBanner("SimpleWeb Worker", common.GetVersion())

	w, err := worker.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize worker")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker exited with error")
		return err
	}
	return nil
}
