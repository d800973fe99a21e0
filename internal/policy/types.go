package policy

import "time"

// KindAll is the literal kind filter meaning "every event kind". Stored and
// compared as a string; a condition with kind="all" matches any sign_event.
const KindAll = "all"

// MethodWildcard is the method value of a veto condition. A single
// (method='*', allowed=false) row denies everything for its key-user.
const MethodWildcard = "*"

// PendingTTL is how long an undecided pending request stays alive before
// the reaper removes it.
const PendingTTL = 60 * time.Second

// Key is a named signing identity known to the bunker.
type Key struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// KeyUser is a remote client authorised (or being authorised) against one
// key. The (KeyName, UserPubkey) pair is unique.
type KeyUser struct {
	ID           string     `json:"id"`
	KeyName      string     `json:"keyName"`
	UserPubkey   string     `json:"userPubkey"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RequestCount int        `json:"requestCount"`

	// Conditions is populated by lookups that join the conditions table.
	Conditions []SigningCondition `json:"conditions,omitempty"`
}

// Revoked reports whether the key-user has been soft-deleted.
func (u *KeyUser) Revoked() bool {
	return u.RevokedAt != nil
}

// SigningCondition is one allow/deny row under a key-user. Kind is nil for
// methods without a kind dimension, a numeric string, or KindAll.
type SigningCondition struct {
	ID        string    `json:"id"`
	KeyUserID string    `json:"keyUserId"`
	Method    string    `json:"method"`
	Kind      *string   `json:"kind,omitempty"`
	Allowed   bool      `json:"allowed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Policy is a named bundle of rule templates, applied when a token minted
// against it is redeemed.
type Policy struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	Rules       []PolicyRule `json:"rules,omitempty"`
}

// Expired reports whether the policy can no longer seed redemptions.
func (p *Policy) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// PolicyRule is one template row inside a policy.
type PolicyRule struct {
	ID                string    `json:"id"`
	PolicyID          string    `json:"policyId"`
	Method            string    `json:"method"`
	Kind              *string   `json:"kind,omitempty"`
	MaxUsageCount     *int      `json:"maxUsageCount,omitempty"`
	CurrentUsageCount int       `json:"currentUsageCount"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Token is a one-shot secret that seeds a key-user from a policy without
// interactive approval.
type Token struct {
	ID         string     `json:"id"`
	Token      string     `json:"token"`
	KeyName    string     `json:"keyName"`
	ClientName string     `json:"clientName"`
	PolicyID   string     `json:"policyId"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty"`
	KeyUserID  *string    `json:"keyUserId,omitempty"`
}

// PendingRequest is an authorization decision awaiting an admin. Allowed is
// nil until decided; the reaper removes undecided rows after PendingTTL.
type PendingRequest struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"requestId"`
	KeyName      string     `json:"keyName"`
	RemotePubkey string     `json:"remotePubkey"`
	Method       string     `json:"method"`
	Params       []string   `json:"params"`
	Allowed      *bool      `json:"allowed,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// Decided reports whether an admin has voted on the request.
func (r *PendingRequest) Decided() bool {
	return r.Allowed != nil
}

// RequestStatus selects a slice of the pending_requests table.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"  // undecided, younger than PendingTTL
	StatusApproved RequestStatus = "approved" // allowed=true
	StatusExpired  RequestStatus = "expired"  // undecided, outlived PendingTTL
)

// Audit event types.
const (
	AuditApproval     = "approval"
	AuditRegistration = "registration"
	AuditRedemption   = "redemption"
)

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Method    string    `json:"method"`
	Params    string    `json:"params"`
	KeyUserID *string   `json:"keyUserId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a dashboard account tied to one key, created during provisioning
// registration. The password gates HTTP approvals for encrypted keys.
type User struct {
	ID           string    `json:"id"`
	KeyName      string    `json:"keyName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Never serialized
	CreatedAt    time.Time `json:"createdAt"`
}
