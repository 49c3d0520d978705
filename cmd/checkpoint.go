package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/checkpoint"
	"github.com/JakeFAU/crawl-lifecycle/internal/clock/system"
	"github.com/JakeFAU/crawl-lifecycle/internal/config"
	"github.com/JakeFAU/crawl-lifecycle/internal/hash/sha256"
	"github.com/JakeFAU/crawl-lifecycle/internal/integrity"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and maintain checkpoint files",
	}
	cmd.AddCommand(newCheckpointListCmd())
	cmd.AddCommand(newCheckpointVerifyCmd())
	cmd.AddCommand(newCheckpointPruneCmd())
	return cmd
}

// openManager builds a checkpoint manager against the configured
// directory, without the rest of the service graph.
func openManager(cfg config.Config) (*checkpoint.Manager, error) {
	clock := system.New()
	hasher := sha256.New()
	logger := zap.NewNop()
	verifier := integrity.New(hasher, clock, logger)
	mgr, err := checkpoint.NewManager(checkpoint.Config{
		Dir:    cfg.Checkpoint.Dir,
		Format: cfg.CheckpointFormat(),
		Backup: cfg.Checkpoint.Backup,
	}, verifier, hasher, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint directory: %w", err)
	}
	return mgr, nil
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			summaries, err := mgr.List()
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}
			if len(summaries) == 0 {
				cmd.Println("no checkpoints")
				return nil
			}
			for _, s := range summaries {
				cmd.Printf("%-24s %-8s %8d bytes  %s\n",
					s.ID, s.Format, s.Size, s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCheckpointVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <checkpoint-id>",
		Short: "Re-hash a checkpoint and compare against its stored fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			check := mgr.Verify(args[0])
			cmd.Printf("checkpoint %s: %s\n", args[0], check.Result)
			if check.Message != "" {
				cmd.Println(check.Message)
			}
			if !check.OK() {
				return fmt.Errorf("checkpoint %s failed verification: %s", args[0], check.Result)
			}
			return nil
		},
	}
}

func newCheckpointPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete old checkpoints beyond the retention policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			maxAge := time.Duration(cfg.Checkpoint.PruneMaxAgeHours) * time.Hour
			removed, err := mgr.Prune(maxAge, cfg.Checkpoint.PruneKeepCount)
			if err != nil {
				return fmt.Errorf("prune checkpoints: %w", err)
			}
			cmd.Printf("removed %d checkpoint file(s)\n", len(removed))
			for _, path := range removed {
				cmd.Println("  " + path)
			}
			return nil
		},
	}
}
