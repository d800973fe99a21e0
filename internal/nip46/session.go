package nip46

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Scheme identifies which payload encryption a peer spoke.
type Scheme int

const (
	SchemeNIP04 Scheme = iota
	SchemeNIP44
)

func (s Scheme) String() string {
	if s == SchemeNIP44 {
		return "nip44"
	}
	return "nip04"
}

// DetectScheme inspects a ciphertext: NIP-04 payloads carry the "?iv="
// separator, NIP-44 payloads are plain base64.
func DetectScheme(ciphertext string) Scheme {
	if strings.Contains(ciphertext, "?iv=") {
		return SchemeNIP04
	}
	return SchemeNIP44
}

// Session holds the derived key material for one (local key, peer) pair.
// Replies mirror the scheme of the request they answer, so both schemes
// are derived up front.
//
// A session is confined to the goroutine processing its peer's requests;
// the recorded reply scheme is not synchronised.
type Session struct {
	Peer string

	sharedSecret    []byte   // NIP-04
	conversationKey [32]byte // NIP-44
	replyScheme     Scheme
}

// NewSession derives both encryption keys for a peer.
func NewSession(secretHex, peerPubkey string) (*Session, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubkey, secretHex)
	if err != nil {
		return nil, fmt.Errorf("derive nip04 shared secret: %w", err)
	}
	convKey, err := nip44.GenerateConversationKey(peerPubkey, secretHex)
	if err != nil {
		return nil, fmt.Errorf("derive nip44 conversation key: %w", err)
	}
	return &Session{
		Peer:            peerPubkey,
		sharedSecret:    shared,
		conversationKey: convKey,
	}, nil
}

// Decrypt opens a payload from the peer and reports which scheme it used.
// The scheme is remembered so replies sent later in the same exchange can
// mirror it via ReplyScheme.
func (s *Session) Decrypt(ciphertext string) (plaintext string, scheme Scheme, err error) {
	scheme = DetectScheme(ciphertext)
	switch scheme {
	case SchemeNIP04:
		plaintext, err = nip04.Decrypt(ciphertext, s.sharedSecret)
	default:
		plaintext, err = nip44.Decrypt(ciphertext, s.conversationKey)
	}
	if err != nil {
		return "", scheme, fmt.Errorf("decrypt %s payload: %w", scheme, err)
	}
	s.replyScheme = scheme
	return plaintext, scheme, nil
}

// ReplyScheme is the scheme of the last payload successfully decrypted
// from the peer; replies use it so clients hear the dialect they spoke.
func (s *Session) ReplyScheme() Scheme {
	return s.replyScheme
}

// Encrypt seals a payload for the peer under the given scheme.
func (s *Session) Encrypt(plaintext string, scheme Scheme) (string, error) {
	var out string
	var err error
	switch scheme {
	case SchemeNIP04:
		out, err = nip04.Encrypt(plaintext, s.sharedSecret)
	default:
		out, err = nip44.Encrypt(plaintext, s.conversationKey)
	}
	if err != nil {
		return "", fmt.Errorf("encrypt %s payload: %w", scheme, err)
	}
	return out, nil
}
