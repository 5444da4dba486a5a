package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vbcb-bot/config"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in and watch the chatbox until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.OutOrStdout(), cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			a, err := wireApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	a.logger.Info("Starting vbcb-bot", "forum", a.cfg.Forum.URL, "username", a.cfg.Forum.Username)

	if err := a.session.Login(ctx); err != nil {
		return fmt.Errorf("log in: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverDone := make(chan struct{})
	if listen := a.cfg.Server.Listen; listen != "" {
		go func() {
			defer close(serverDone)
			if err := a.server.ListenAndServe(ctx, listen); err != nil {
				a.logger.Error("Control endpoint failed", "error", err)
				cancel()
			}
		}()
	} else {
		close(serverDone)
	}

	err := a.monitor.Run(ctx)
	cancel()
	<-serverDone

	a.logger.Info("Stopped vbcb-bot")
	return err
}
