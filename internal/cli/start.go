package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/logging"
	"github.com/neoclaw-ai/clawbox/internal/sandbox"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the sandbox pruner until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := newManager(cfg)
			if err != nil {
				return err
			}

			logging.Logger().Info(
				"starting sandbox pruner",
				"schedule", cfg.Prune.Schedule,
				"idle", cfg.Prune.Idle,
				"max_age", cfg.Prune.MaxAge,
				"registry", cfg.RegistryPath(),
			)

			pidFilePath := filepath.Join(cfg.DataDir(), "clawbox.pid")
			if err := os.WriteFile(pidFilePath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("write pid file %q: %w", pidFilePath, err)
			}
			defer func() {
				os.Remove(pidFilePath)
			}()

			pruner := sandbox.NewPruner(manager, cfg.Prune)
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := pruner.Start(runCtx); err != nil {
				return err
			}

			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pruner.Stop(shutdownCtx); err != nil {
				return err
			}
			logging.Logger().Info("sandbox pruner stopped")
			return nil
		},
	}
}
