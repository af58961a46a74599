// tubeflow is a long-running service that orchestrates concurrent media
// downloads performed by an external yt-dlp compatible tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tubeflow/internal/app"
	"tubeflow/internal/config"
	"tubeflow/internal/logger"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitPermission = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configFile string

	root := &cobra.Command{
		Use:           "tubeflow",
		Short:         "Concurrent media download orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the JSON config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the download service until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveCmd(cmd.Context(), configFile)
		},
	}
	root.AddCommand(serve)
	root.RunE = serve.RunE // bare invocation serves

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tubeflow:", err)
		var perm *config.PermissionError
		if errors.As(err, &perm) {
			return exitPermission
		}
		return exitFatal
	}
	return exitOK
}

func serveCmd(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log, busHandler, err := logger.New(cfg.ConfigPath, os.Stdout)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, log, nil)
	if err != nil {
		return err
	}
	busHandler.SetBus(a.Bus())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info("tubeflow running",
		"downloads", cfg.DownloadPath, "config", cfg.ConfigPath, "workers", cfg.MaxWorkers)

	<-ctx.Done()
	log.Info("signal received, shutting down", "grace", cfg.ShutdownGrace)
	a.Shutdown()
	return nil
}
