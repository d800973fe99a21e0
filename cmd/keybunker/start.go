package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/daemon"
	"github.com/HerbHall/keybunker/internal/version"
)

func newStartCmd(configPath *string) *cobra.Command {
	var (
		unlockKeys []string
		admins     []string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the bunker daemon",
		Long: `Start the signing endpoints, the admin relay channel, and the web
dashboard. Keys stored in the clear come up immediately; pass --key to be
prompted for an encrypted key's passphrase so it starts unlocked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadVault(*configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Verbose = true
			}
			if err := cfg.MergeAdminNpubs(admins); err != nil {
				return err
			}

			logger, err := cfg.NewLogger(config.Settings())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}

			if err := unlockNamed(cmd.Context(), d, cfg, unlockKeys); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\n  keybunker %s is up.\n  Dashboard: %s\n\n",
				version.Short(), cfg.ExternalBaseURL())

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-d.Err():
				logger.Error("http server failed", zap.Error(err))
			}
			d.Stop()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&unlockKeys, "key", nil,
		"encrypted key to unlock at start, prompting for its passphrase (repeatable)")
	cmd.Flags().StringSliceVar(&admins, "admin", nil,
		"extra admin npub for this run (repeatable, merges with ADMIN_NPUBS)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "console logging at debug level")

	return cmd
}

// unlockNamed prompts for each requested key's passphrase before the
// daemon starts, so --key endpoints come up with everything else.
func unlockNamed(ctx context.Context, d *daemon.Daemon, cfg *config.Config, names []string) error {
	for _, name := range names {
		entry, ok := cfg.KeyEntry(name)
		if !ok {
			return fmt.Errorf("no key named %q in the vault", name)
		}
		if !entry.Encrypted() {
			continue // plain keys start on their own
		}
		passphrase, err := promptSecret(fmt.Sprintf("passphrase for %q: ", name))
		if err != nil {
			return err
		}
		if err := d.UnlockKey(ctx, name, passphrase); err != nil {
			return fmt.Errorf("unlock %q: %w", name, err)
		}
	}
	return nil
}
