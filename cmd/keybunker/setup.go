package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/HerbHall/keybunker/internal/config"
)

func newSetupCmd(configPath *string) *cobra.Command {
	var (
		relays []string
		admins []string
		secret string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the vault file and the bunker's admin identity",
		Long: `Write a fresh vault file with a newly generated admin key. Admin npubs
given here (or later via ADMIN_NPUBS) may manage the bunker over Nostr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := vaultPath(*configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("vault file already exists at %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create vault directory: %w", err)
			}

			cfg := config.New(path)
			cfg.Nostr.Relays = relays
			cfg.Admin.Secret = secret
			if err := cfg.MergeAdminNpubs(admins); err != nil {
				return err
			}
			if err := cfg.EnsureAdminKey(); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			pub, err := cfg.AdminPubkey()
			if err != nil {
				return err
			}
			npub, err := nip19.EncodePublicKey(pub)
			if err != nil {
				return err
			}

			fmt.Printf("vault file:   %s\n", path)
			fmt.Printf("bunker npub:  %s\n", npub)
			fmt.Printf("relays:       %v\n", cfg.Nostr.Relays)
			fmt.Println()
			fmt.Println("next: add a signing key with \"keybunker add --name <name>\",")
			fmt.Println("then run \"keybunker start\".")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&relays, "relay", []string{"wss://relay.nsec.app"},
		"relay the signing endpoints listen on (repeatable)")
	cmd.Flags().StringSliceVar(&admins, "admin", nil,
		"npub allowed to administer the bunker over Nostr (repeatable)")
	cmd.Flags().StringVar(&secret, "connect-secret", "",
		"static secret appended to the admin bunker:// descriptor")

	return cmd
}
