// Package nip46 implements the wire layer of the remote-signing protocol:
// the JSON-RPC envelopes carried in kind-24133 events and the per-peer
// payload encryption (NIP-04 or NIP-44, mirrored per request).
package nip46

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// Kind is the event kind carrying remote-signing envelopes.
const Kind = nostr.KindNostrConnect

// Result sentinels understood by existing clients.
const (
	// ResultError marks a failed call; the Error field carries the human
	// message.
	ResultError = "error"
	// ResultAuthURL tells the client to open an approval page; the Error
	// field carries the URL.
	ResultAuthURL = "auth_url"
	// ResultOK acknowledges connect and ping.
	ResultOK = "ok"
	// ResultPong answers a plain ping.
	ResultPong = "pong"
)

// Request is the decrypted payload of an inbound kind-24133 event.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(method string, params ...string) Request {
	if params == nil {
		params = []string{}
	}
	return Request{ID: uuid.New().String(), Method: method, Params: params}
}

// ParseRequest decodes an envelope. Returns an error for anything that is
// not a JSON object with a string id and method.
func ParseRequest(payload string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, fmt.Errorf("parse request envelope: %w", err)
	}
	if req.ID == "" || req.Method == "" {
		return Request{}, fmt.Errorf("request envelope missing id or method")
	}
	if req.Params == nil {
		req.Params = []string{}
	}
	return req, nil
}

// Param returns params[i] or the empty string when absent.
func (r Request) Param(i int) string {
	if i < 0 || i >= len(r.Params) {
		return ""
	}
	return r.Params[i]
}

// Response is the reply payload published back to the requesting client.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// NewResponse builds a success reply.
func NewResponse(id, result string) Response {
	return Response{ID: id, Result: result}
}

// ErrorResponse builds a failure reply: result is the literal "error" and
// the message rides in the error field.
func ErrorResponse(id, message string) Response {
	return Response{ID: id, Result: ResultError, Error: message}
}

// AuthURLResponse builds the approval redirect reply: result is the
// literal "auth_url" paired with the page URL.
func AuthURLResponse(id, authURL string) Response {
	return Response{ID: id, Result: ResultAuthURL, Error: authURL}
}

// ParseResponse decodes a reply envelope.
func ParseResponse(payload string) (Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return Response{}, fmt.Errorf("parse response envelope: %w", err)
	}
	if resp.ID == "" {
		return Response{}, fmt.Errorf("response envelope missing id")
	}
	return resp, nil
}

// Encode renders an envelope for encryption.
func (r Request) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	return string(b), nil
}

// Encode renders a reply envelope for encryption.
func (r Response) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(b), nil
}

// BunkerURL renders the connection descriptor clients paste into their
// signer settings: bunker://<pubkey>?relay=...[&relay=...][&secret=...].
func BunkerURL(pubkey string, relays []string, secret string) string {
	var sb strings.Builder
	sb.WriteString("bunker://")
	sb.WriteString(pubkey)
	sep := "?"
	for _, r := range relays {
		sb.WriteString(sep)
		sb.WriteString("relay=")
		sb.WriteString(url.QueryEscape(r))
		sep = "&"
	}
	if secret != "" {
		sb.WriteString(sep)
		sb.WriteString("secret=")
		sb.WriteString(url.QueryEscape(secret))
	}
	return sb.String()
}
