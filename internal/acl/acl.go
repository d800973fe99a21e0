// Package acl decides whether a client may perform an operation against a
// key. Evaluation is a pure function of policy store state; the package
// also owns the write-side helpers that turn admin decisions into signing
// conditions.
package acl

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/keybunker/internal/policy"
)

// Decision is the outcome of an ACL evaluation.
type Decision int

const (
	// Unknown means no stored condition covers the request; an admin must
	// decide interactively.
	Unknown Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Evaluator reads and writes signing conditions through the policy store.
type Evaluator struct {
	store *policy.Store
	log   *zap.Logger
}

// New creates an Evaluator.
func New(store *policy.Store, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: store, log: log.Named("acl")}
}

// Evaluate runs the decision algorithm for (keyName, clientPubkey, method)
// with paramPrimary as the kind carrier for sign_event:
//
//  1. no key-user -> Unknown
//  2. a (method='*', allowed=false) row vetoes everything -> Deny
//  3. match conditions on method, and for sign_event on kind within
//     {"all", extracted kind}
//  4. no match -> Unknown
//  5. a matching deny wins; a matching allow on a revoked key-user -> Deny
func (e *Evaluator) Evaluate(ctx context.Context, keyName, clientPubkey, method, paramPrimary string) (Decision, error) {
	user, err := e.store.GetKeyUser(ctx, keyName, clientPubkey)
	if errors.Is(err, policy.ErrNotFound) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, err
	}

	for _, c := range user.Conditions {
		if c.Method == policy.MethodWildcard && !c.Allowed {
			return Deny, nil
		}
	}

	kinds := kindSet(method, paramPrimary)

	matched := false
	allowed := false
	for _, c := range user.Conditions {
		if c.Method != method {
			continue
		}
		if method == "sign_event" {
			if c.Kind == nil || !kinds[*c.Kind] {
				continue
			}
		}
		if !c.Allowed {
			// A matching deny beats any matching allow.
			return Deny, nil
		}
		matched = true
		allowed = true
	}

	if !matched {
		return Unknown, nil
	}
	if user.Revoked() && allowed {
		return Deny, nil
	}
	return Allow, nil
}

// kindSet builds the acceptable kind filters for a request. Every request
// accepts "all"; sign_event additionally accepts its event's own kind when
// params[0] parses as an object with a numeric kind.
func kindSet(method, paramPrimary string) map[string]bool {
	kinds := map[string]bool{policy.KindAll: true}
	if method != "sign_event" {
		return kinds
	}
	if k, ok := ExtractKind(paramPrimary); ok {
		kinds[k] = true
	}
	return kinds
}

// ExtractKind parses an event JSON object and returns its numeric kind as
// the decimal string stored in condition rows. Parse failures report false,
// never an error: a malformed event simply carries no kind.
func ExtractKind(eventJSON string) (string, bool) {
	var obj struct {
		Kind *float64 `json:"kind"`
	}
	if err := json.Unmarshal([]byte(eventJSON), &obj); err != nil || obj.Kind == nil {
		return "", false
	}
	return strconv.Itoa(int(*obj.Kind)), true
}

// PermitAllRequests grants (method, kind) to a client, creating the
// key-user if needed. kind is nil for methods without a kind dimension.
// Subsequent Evaluate calls for a matching request return Allow until the
// user is revoked or vetoed.
func (e *Evaluator) PermitAllRequests(ctx context.Context, keyName, clientPubkey, method string, kind *string) (*policy.KeyUser, error) {
	user, err := e.store.UpsertKeyUser(ctx, keyName, clientPubkey, "")
	if err != nil {
		return nil, err
	}
	if _, err := e.store.AddCondition(ctx, user.ID, method, kind, true); err != nil {
		return nil, err
	}
	e.log.Info("granted",
		zap.String("key", keyName),
		zap.String("client", clientPubkey),
		zap.String("method", method))
	return user, nil
}

// RejectAllRequests writes the wildcard veto row for a client: every
// subsequent request evaluates to Deny regardless of other conditions.
func (e *Evaluator) RejectAllRequests(ctx context.Context, keyName, clientPubkey string) (*policy.KeyUser, error) {
	user, err := e.store.UpsertKeyUser(ctx, keyName, clientPubkey, "")
	if err != nil {
		return nil, err
	}
	if _, err := e.store.AddCondition(ctx, user.ID, policy.MethodWildcard, nil, false); err != nil {
		return nil, err
	}
	e.log.Info("vetoed",
		zap.String("key", keyName),
		zap.String("client", clientPubkey))
	return user, nil
}
