package signer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/acl"
	"github.com/HerbHall/keybunker/internal/broker"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/vault"
)

// handle authorizes and executes one request against a user key.
func (s *Service) handle(ctx context.Context, ep *Endpoint, key *vault.ActiveKey, client string, req nip46.Request) nip46.Response {
	// A token-bearing connect skips the interactive path entirely:
	// redemption writes the conditions the ACL enforces from here on.
	if req.Method == "connect" {
		if token := req.Param(1); token != "" {
			return s.connectWithToken(ctx, key, client, req, token)
		}
	}

	decision, err := s.acl.Evaluate(ctx, key.Name, client, req.Method, req.Param(0))
	if err != nil {
		rpcRequests.WithLabelValues(req.Method, "error").Inc()
		s.log.Error("acl evaluation failed",
			zap.String("key", key.Name),
			zap.String("client", client),
			zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}

	switch decision {
	case acl.Deny:
		rpcRequests.WithLabelValues(req.Method, "deny").Inc()
		s.log.Info("request denied",
			zap.String("key", key.Name),
			zap.String("client", client),
			zap.String("method", req.Method))
		return nip46.ErrorResponse(req.ID, "unauthorized")

	case acl.Allow:
		s.touch(ctx, key.Name, client)

	default: // acl.Unknown: hand the decision to a human.
		params, err := s.broker.RequestAuthorization(ctx, broker.Request{
			KeyName:      key.Name,
			RequestID:    req.ID,
			ClientPubkey: client,
			Method:       req.Method,
			Params:       req.Params,
			SendAuthURL: func(ctx context.Context, url string) error {
				return ep.Reply(ctx, client, nip46.AuthURLResponse(req.ID, url))
			},
		})
		if err != nil {
			rpcRequests.WithLabelValues(req.Method, authOutcome(err)).Inc()
			s.log.Info("authorization unresolved",
				zap.String("key", key.Name),
				zap.String("client", client),
				zap.String("method", req.Method),
				zap.Error(err))
			return nip46.ErrorResponse(req.ID, authMessage(err))
		}
		// The approval form may have rewritten the params.
		req.Params = params
	}

	rpcRequests.WithLabelValues(req.Method, "allow").Inc()
	return s.execute(key, req)
}

func (s *Service) connectWithToken(ctx context.Context, key *vault.ActiveKey, client string, req nip46.Request, token string) nip46.Response {
	user, err := s.store.RedeemToken(ctx, token, client)
	if err != nil {
		rpcRequests.WithLabelValues(req.Method, "deny").Inc()
		s.log.Warn("token redemption failed",
			zap.String("key", key.Name),
			zap.String("client", client),
			zap.Error(err))
		return nip46.ErrorResponse(req.ID, redemptionMessage(err))
	}
	rpcRequests.WithLabelValues(req.Method, "allow").Inc()
	s.log.Info("token redeemed",
		zap.String("key", user.KeyName),
		zap.String("client", client))
	return nip46.NewResponse(req.ID, nip46.ResultOK)
}

// execute runs an already-authorized method.
func (s *Service) execute(key *vault.ActiveKey, req nip46.Request) nip46.Response {
	switch req.Method {
	case "connect":
		return nip46.NewResponse(req.ID, nip46.ResultOK)
	case "ping":
		return nip46.NewResponse(req.ID, nip46.ResultPong)
	case "get_public_key":
		return nip46.NewResponse(req.ID, key.PubKey)
	case "sign_event":
		return s.signEvent(key, req)
	case "nip04_encrypt", "nip04_decrypt", "nip44_encrypt", "nip44_decrypt":
		return s.cipher(key, req)
	default:
		return nip46.ErrorResponse(req.ID, "unknown method")
	}
}

// signEvent fills in the event's identity fields and signs it. The reply
// carries the full signed event as JSON.
func (s *Service) signEvent(key *vault.ActiveKey, req nip46.Request) nip46.Response {
	raw := req.Param(0)
	if raw == "" {
		return nip46.ErrorResponse(req.ID, "sign_event expects an event parameter")
	}
	var evt nostr.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return nip46.ErrorResponse(req.ID, "invalid event json")
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := evt.Sign(key.SecretHex()); err != nil {
		s.log.Error("event signing failed", zap.String("key", key.Name), zap.Error(err))
		return nip46.ErrorResponse(req.ID, "signing failed")
	}
	signed, err := json.Marshal(&evt)
	if err != nil {
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return nip46.NewResponse(req.ID, string(signed))
}

// cipher handles the encrypt/decrypt methods. Params are positional:
// [peer pubkey, payload].
func (s *Service) cipher(key *vault.ActiveKey, req nip46.Request) nip46.Response {
	peer := req.Param(0)
	payload := req.Param(1)
	if len(peer) != 64 || payload == "" {
		return nip46.ErrorResponse(req.ID, "expected [peer pubkey, payload] params")
	}

	var out string
	var err error
	switch req.Method {
	case "nip04_encrypt", "nip04_decrypt":
		var shared []byte
		shared, err = nip04.ComputeSharedSecret(peer, key.SecretHex())
		if err == nil {
			if req.Method == "nip04_encrypt" {
				out, err = nip04.Encrypt(payload, shared)
			} else {
				out, err = nip04.Decrypt(payload, shared)
			}
		}
	default:
		var conv [32]byte
		conv, err = nip44.GenerateConversationKey(peer, key.SecretHex())
		if err == nil {
			if req.Method == "nip44_encrypt" {
				out, err = nip44.Encrypt(payload, conv)
			} else {
				out, err = nip44.Decrypt(payload, conv)
			}
		}
	}
	if err != nil {
		s.log.Debug("cipher method failed",
			zap.String("key", key.Name),
			zap.String("method", req.Method),
			zap.Error(err))
		return nip46.ErrorResponse(req.ID, req.Method+" failed")
	}
	return nip46.NewResponse(req.ID, out)
}

// touch refreshes the key-user's last-used timestamp. Best effort: a miss
// here never blocks an authorized request.
func (s *Service) touch(ctx context.Context, keyName, client string) {
	user, err := s.store.GetKeyUser(ctx, keyName, client)
	if err != nil {
		return
	}
	if err := s.store.TouchKeyUser(ctx, user.ID); err != nil {
		s.log.Debug("touch key user failed", zap.String("id", user.ID), zap.Error(err))
	}
}

func authOutcome(err error) string {
	switch {
	case errors.Is(err, broker.ErrDenied):
		return "deny"
	case errors.Is(err, broker.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, broker.ErrDenied):
		return "unauthorized"
	case errors.Is(err, broker.ErrTimeout):
		return "authorization timed out"
	case errors.Is(err, broker.ErrNoAdminPath):
		return "no admin available to authorize this request"
	default:
		return "internal error"
	}
}

func redemptionMessage(err error) string {
	switch {
	case errors.Is(err, policy.ErrTokenRedeemed):
		return "token already redeemed"
	case errors.Is(err, policy.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, policy.ErrTokenNotFound):
		return "invalid token"
	case errors.Is(err, policy.ErrPolicyMissing):
		return "token policy no longer exists"
	default:
		return "token redemption failed"
	}
}
