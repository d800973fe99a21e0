package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/version"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "keybunker",
		Short: "keybunker - a NIP-46 remote signing bunker",
		Long: `keybunker holds Nostr signing keys and serves signing requests from
authorized apps over encrypted relay RPC. Approvals happen on the web
dashboard or through an admin client connected over Nostr.`,
		Version: version.Version,
	}
	root.SetVersionTemplate(version.Info() + "\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the vault file (default ~/.keybunker/keybunker.json)")

	root.AddCommand(newSetupCmd(&configPath))
	root.AddCommand(newAddCmd(&configPath))
	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}

// vaultPath resolves the --config flag, falling back to the default
// location under the user's home directory.
func vaultPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".keybunker", "keybunker.json"), nil
}

// loadVault opens an existing vault file, pointing first-time users at
// setup.
func loadVault(flagValue string) (*config.Config, error) {
	path, err := vaultPath(flagValue)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no vault file at %s (run \"keybunker setup\" first)", path)
		}
		return nil, err
	}
	return cfg, nil
}
