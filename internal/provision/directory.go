package provision

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nbd-wtf/go-nostr/nip05"
)

// readDirectory loads a domain's well-known name directory. A missing file
// is an empty directory: the domain just has no names yet.
func readDirectory(path string) (nip05.WellKnownResponse, error) {
	dir := nip05.WellKnownResponse{Names: map[string]string{}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return dir, nil
	}
	if err != nil {
		return dir, fmt.Errorf("read directory %q: %w", path, err)
	}
	if err := json.Unmarshal(raw, &dir); err != nil {
		return dir, fmt.Errorf("parse directory %q: %w", path, err)
	}
	if dir.Names == nil {
		dir.Names = map[string]string{}
	}
	return dir, nil
}

// appendDirectory records a new name. The relays map advertises the user's
// outbox relays; the nip46 map advertises where this bunker answers
// signing requests for the pubkey.
func appendDirectory(path, name, pubkey string, userRelays, signerRelays []string) error {
	dir, err := readDirectory(path)
	if err != nil {
		return err
	}
	dir.Names[name] = pubkey
	if len(userRelays) > 0 {
		if dir.Relays == nil {
			dir.Relays = map[string][]string{}
		}
		dir.Relays[pubkey] = userRelays
	}
	if len(signerRelays) > 0 {
		if dir.NIP46 == nil {
			dir.NIP46 = map[string][]string{}
		}
		dir.NIP46[pubkey] = signerRelays
	}

	data, err := json.MarshalIndent(dir, "", "  ")
	if err != nil {
		return fmt.Errorf("encode directory: %w", err)
	}
	// World-readable: the web server serves this file verbatim.
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write directory %q: %w", path, err)
	}
	return nil
}
