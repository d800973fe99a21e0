package admin

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/event"
	"github.com/HerbHall/keybunker/internal/nip46"
	"github.com/HerbHall/keybunker/internal/policy"
	"github.com/HerbHall/keybunker/internal/signer"
)

// handle dispatches one management RPC. Everything except create_account
// is gated on the allow-list before any state is touched.
func (c *Channel) handle(ctx context.Context, ep *signer.Endpoint, client string, req nip46.Request) nip46.Response {
	// A self-addressed ping is the heartbeat coming back around. No reply:
	// answering ourselves would echo forever.
	if client == ep.Pubkey() && req.Method == "ping" {
		c.beat()
		return nip46.Response{}
	}

	// Anyone may ask for an account; the admin approves it interactively.
	if req.Method == "create_account" {
		return c.createAccount(ctx, ep, client, req)
	}

	if !c.isAdmin(client) {
		c.log.Warn("unauthorised management rpc",
			zap.String("client", client),
			zap.String("method", req.Method))
		return nip46.ErrorResponse(req.ID, "unauthorized")
	}

	switch req.Method {
	case "ping":
		return nip46.NewResponse(req.ID, nip46.ResultPong)
	case "get_keys":
		return c.getKeys(ctx, req)
	case "get_key_users":
		return c.getKeyUsers(ctx, req)
	case "get_key_tokens":
		return c.getKeyTokens(ctx, req)
	case "get_policies":
		return c.getPolicies(ctx, req)
	case "create_new_key":
		return c.createNewKey(ctx, req)
	case "create_new_policy":
		return c.createNewPolicy(ctx, req)
	case "create_new_token":
		return c.createNewToken(ctx, client, req)
	case "rename_key_user":
		return c.renameKeyUser(ctx, req)
	case "revoke_user":
		return c.revokeUser(ctx, req)
	case "unlock_key":
		return c.unlockKey(ctx, req)
	default:
		return nip46.ErrorResponse(req.ID, "unknown method")
	}
}

func asJSON(id string, v any) nip46.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return nip46.ErrorResponse(id, "internal error")
	}
	return nip46.NewResponse(id, string(b))
}

func (c *Channel) getKeys(ctx context.Context, req nip46.Request) nip46.Response {
	if c.cb.ListKeys == nil {
		return nip46.ErrorResponse(req.ID, "not supported")
	}
	keys, err := c.cb.ListKeys(ctx)
	if err != nil {
		c.log.Error("get_keys failed", zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return asJSON(req.ID, keys)
}

func (c *Channel) getKeyUsers(ctx context.Context, req nip46.Request) nip46.Response {
	keyName := req.Param(0)
	if keyName == "" {
		return nip46.ErrorResponse(req.ID, "get_key_users expects a key name")
	}
	users, err := c.store.ListKeyUsers(ctx, keyName, true)
	if err != nil {
		c.log.Error("get_key_users failed", zap.String("key", keyName), zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return asJSON(req.ID, users)
}

func (c *Channel) getKeyTokens(ctx context.Context, req nip46.Request) nip46.Response {
	keyName := req.Param(0)
	if keyName == "" {
		return nip46.ErrorResponse(req.ID, "get_key_tokens expects a key name")
	}
	tokens, err := c.store.ListTokens(ctx, keyName)
	if err != nil {
		c.log.Error("get_key_tokens failed", zap.String("key", keyName), zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return asJSON(req.ID, tokens)
}

func (c *Channel) getPolicies(ctx context.Context, req nip46.Request) nip46.Response {
	policies, err := c.store.ListPolicies(ctx)
	if err != nil {
		c.log.Error("get_policies failed", zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return asJSON(req.ID, policies)
}

func (c *Channel) createNewKey(ctx context.Context, req nip46.Request) nip46.Response {
	if c.cb.CreateKey == nil {
		return nip46.ErrorResponse(req.ID, "not supported")
	}
	name := req.Param(0)
	if name == "" {
		return nip46.ErrorResponse(req.ID, "create_new_key expects a key name")
	}
	pubkey, err := c.cb.CreateKey(ctx, name, req.Param(1))
	if err != nil {
		c.log.Warn("create_new_key failed", zap.String("key", name), zap.Error(err))
		return nip46.ErrorResponse(req.ID, err.Error())
	}
	return nip46.NewResponse(req.ID, pubkey)
}

// policyInput is the JSON shape create_new_policy accepts in params[0].
type policyInput struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Rules       []struct {
		Method        string  `json:"method"`
		Kind          *string `json:"kind,omitempty"`
		MaxUsageCount *int    `json:"maxUsageCount,omitempty"`
	} `json:"rules"`
}

func (c *Channel) createNewPolicy(ctx context.Context, req nip46.Request) nip46.Response {
	var in policyInput
	if err := json.Unmarshal([]byte(req.Param(0)), &in); err != nil || in.Name == "" {
		return nip46.ErrorResponse(req.ID, "create_new_policy expects a policy object with a name")
	}
	input := policy.NewPolicyInput{
		Name:        in.Name,
		Description: in.Description,
		ExpiresAt:   in.ExpiresAt,
	}
	for _, r := range in.Rules {
		if r.Method == "" {
			return nip46.ErrorResponse(req.ID, "policy rule missing method")
		}
		input.Rules = append(input.Rules, policy.NewRuleInput{
			Method:        r.Method,
			Kind:          r.Kind,
			MaxUsageCount: r.MaxUsageCount,
		})
	}
	created, err := c.store.CreatePolicy(ctx, input)
	if err != nil {
		c.log.Error("create_new_policy failed", zap.String("name", in.Name), zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return asJSON(req.ID, created)
}

func (c *Channel) createNewToken(ctx context.Context, client string, req nip46.Request) nip46.Response {
	keyName, clientName, policyID := req.Param(0), req.Param(1), req.Param(2)
	if keyName == "" || clientName == "" || policyID == "" {
		return nip46.ErrorResponse(req.ID, "create_new_token expects [key, client name, policy id]")
	}
	var expiresAt *time.Time
	if raw := req.Param(3); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nip46.ErrorResponse(req.ID, "invalid expiry, want RFC 3339")
		}
		expiresAt = &ts
	}
	token, err := c.store.CreateToken(ctx, keyName, clientName, policyID, client, expiresAt)
	if err != nil {
		c.log.Error("create_new_token failed", zap.String("key", keyName), zap.Error(err))
		return nip46.ErrorResponse(req.ID, "internal error")
	}
	return nip46.NewResponse(req.ID, token.Token)
}

func (c *Channel) renameKeyUser(ctx context.Context, req nip46.Request) nip46.Response {
	id, description := req.Param(0), req.Param(1)
	if id == "" || description == "" {
		return nip46.ErrorResponse(req.ID, "rename_key_user expects [id, description]")
	}
	if err := c.store.RenameKeyUser(ctx, id, description); err != nil {
		return nip46.ErrorResponse(req.ID, "key user not found")
	}
	return nip46.NewResponse(req.ID, nip46.ResultOK)
}

func (c *Channel) revokeUser(ctx context.Context, req nip46.Request) nip46.Response {
	id := req.Param(0)
	if id == "" {
		return nip46.ErrorResponse(req.ID, "revoke_user expects a key user id")
	}
	if err := c.store.RevokeKeyUser(ctx, id); err != nil {
		return nip46.ErrorResponse(req.ID, "key user not found")
	}
	if user, err := c.store.GetKeyUserByID(ctx, id); err == nil {
		c.bus.PublishAsync(context.Background(),
			event.New(event.TopicKeyUserRevoked, "admin", user))
	}
	return nip46.NewResponse(req.ID, nip46.ResultOK)
}

func (c *Channel) unlockKey(ctx context.Context, req nip46.Request) nip46.Response {
	if c.cb.UnlockKey == nil {
		return nip46.ErrorResponse(req.ID, "not supported")
	}
	name, passphrase := req.Param(0), req.Param(1)
	if name == "" || passphrase == "" {
		return nip46.ErrorResponse(req.ID, "unlock_key expects [key, passphrase]")
	}
	if err := c.cb.UnlockKey(ctx, name, passphrase); err != nil {
		c.log.Warn("unlock_key failed", zap.String("key", name), zap.Error(err))
		return nip46.ErrorResponse(req.ID, err.Error())
	}
	return nip46.NewResponse(req.ID, nip46.ResultOK)
}

func (c *Channel) createAccount(ctx context.Context, ep *signer.Endpoint, client string, req nip46.Request) nip46.Response {
	if c.cb.CreateAccount == nil {
		return nip46.ErrorResponse(req.ID, "account creation disabled")
	}
	sendAuthURL := func(ctx context.Context, url string) error {
		return ep.Reply(ctx, client, nip46.AuthURLResponse(req.ID, url))
	}
	pubkey, err := c.cb.CreateAccount(ctx, client, sendAuthURL, req.Param(0), req.Param(1), req.Param(2))
	if err != nil {
		c.log.Info("create_account rejected",
			zap.String("client", client),
			zap.Error(err))
		return nip46.ErrorResponse(req.ID, err.Error())
	}
	return nip46.NewResponse(req.ID, pubkey)
}
