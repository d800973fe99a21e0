package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/HerbHall/keybunker/internal/config"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/vault"
)

func newAddCmd(configPath *string) *cobra.Command {
	var (
		name      string
		importKey bool
		encrypt   bool
	)

	cmd := &cobra.Command{
		Use:   "add --name <name>",
		Short: "Add a signing key to the vault",
		Long: `Generate a new Nostr keypair under the given name, or import an existing
one with --import (the nsec is read from the terminal, never from argv).
With --encrypt the secret is stored under a passphrase and must be
unlocked after every restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			cfg, err := loadVault(*configPath)
			if err != nil {
				return err
			}
			if _, taken := cfg.KeyEntry(name); taken {
				return fmt.Errorf("key %q already exists", name)
			}

			secret := nostr.GeneratePrivateKey()
			if importKey {
				raw, err := promptSecret("nsec or hex secret: ")
				if err != nil {
					return err
				}
				secret, err = vault.NormalizeSecret(raw)
				if err != nil {
					return err
				}
			}

			entry := config.StoredKey{Key: secret}
			if encrypt {
				passphrase, err := promptNewPassphrase()
				if err != nil {
					return err
				}
				iv, data, err := vault.EncryptSecret([]byte(secret), passphrase)
				if err != nil {
					return err
				}
				entry = config.StoredKey{IV: iv, Data: data}
			}

			cfg.SetKey(name, entry)
			if err := cfg.Save(); err != nil {
				return err
			}

			pub, err := nostr.GetPublicKey(secret)
			if err != nil {
				return err
			}
			npub, err := nip19.EncodePublicKey(pub)
			if err != nil {
				return err
			}

			fmt.Printf("key:      %s\n", name)
			fmt.Printf("npub:     %s\n", npub)
			fmt.Printf("bunker:   %s\n", nip46.BunkerURL(pub, cfg.Nostr.Relays, ""))
			if encrypt {
				fmt.Println("stored encrypted; unlock it from the dashboard after start.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name for the key (required)")
	cmd.Flags().BoolVar(&importKey, "import", false, "import an existing nsec instead of generating")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "protect the stored secret with a passphrase")

	return cmd
}

// promptSecret reads one secret line. On a terminal the echo is disabled;
// piped stdin reads a single line so scripts can drive the command.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// promptNewPassphrase prompts twice and requires both entries to match.
func promptNewPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptSecret("")
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "confirm passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase confirmation: %w", err)
	}
	if !bytes.Equal(first, second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase is empty")
	}
	return string(first), nil
}
