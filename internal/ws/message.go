package ws

import "time"

// MessageType discriminates dashboard stream messages.
type MessageType string

const (
	MessageRequestPending MessageType = "request.pending"
	MessageRequestDecided MessageType = "request.decided"
	MessageKeyUnlocked    MessageType = "key.unlocked"
	MessageAppRevoked     MessageType = "app.revoked"
	MessageAccountCreated MessageType = "account.created"
)

// Message is the envelope for all dashboard stream messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// RequestPendingData announces an authorization request awaiting a
// decision. TTLSeconds counts down to the reaper.
type RequestPendingData struct {
	ID           string `json:"id"`
	KeyName      string `json:"keyName"`
	RemotePubkey string `json:"remotePubkey"`
	Method       string `json:"method"`
	TTLSeconds   int    `json:"ttlSeconds"`
}

// RequestDecidedData reports the outcome of a pending request.
type RequestDecidedData struct {
	ID      string `json:"id"`
	KeyName string `json:"keyName"`
	Method  string `json:"method"`
	Allowed bool   `json:"allowed"`
}

// KeyUnlockedData announces a signing endpoint coming up.
type KeyUnlockedData struct {
	Name string `json:"name"`
	Npub string `json:"npub"`
}

// AppRevokedData reports a client authorization being revoked.
type AppRevokedData struct {
	ID         string `json:"id"`
	KeyName    string `json:"keyName"`
	UserPubkey string `json:"userPubkey"`
}

// AccountCreatedData announces a freshly provisioned account.
type AccountCreatedData struct {
	KeyName string `json:"keyName"`
	Pubkey  string `json:"pubkey"`
}
