package admin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/nip46"
)

// DescriptorFile is the connection descriptor's file name, written next to
// the vault file.
const DescriptorFile = "connection.txt"

// WriteDescriptor renders the bunker connection URI admins paste into
// their clients and writes it beside the vault file.
func (c *Channel) WriteDescriptor() (string, error) {
	uri := nip46.BunkerURL(c.ep.Pubkey(), c.relays, c.connectSecret)
	path := filepath.Join(c.dir, DescriptorFile)
	if err := os.WriteFile(path, []byte(uri+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", DescriptorFile, err)
	}
	return uri, nil
}

// notifyAdmins direct-messages the connection descriptor to each
// allow-listed admin. Best effort: a relay hiccup here must not block
// boot.
func (c *Channel) notifyAdmins(ctx context.Context, uri string) {
	message := "bunker online: " + uri
	for pub := range c.allowed {
		if err := c.sendDM(ctx, pub, message); err != nil {
			c.log.Warn("boot notification failed",
				zap.String("admin", pub),
				zap.Error(err))
		}
	}
}

// sendDM publishes a NIP-04 encrypted direct message from the admin
// identity.
func (c *Channel) sendDM(ctx context.Context, recipient, message string) error {
	shared, err := nip04.ComputeSharedSecret(recipient, c.secret)
	if err != nil {
		return fmt.Errorf("derive dm secret: %w", err)
	}
	content, err := nip04.Encrypt(message, shared)
	if err != nil {
		return fmt.Errorf("encrypt dm: %w", err)
	}
	evt := nostr.Event{
		Kind:      nostr.KindEncryptedDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   content,
	}
	if err := evt.Sign(c.secret); err != nil {
		return fmt.Errorf("sign dm: %w", err)
	}
	return c.transport.Publish(ctx, evt)
}
