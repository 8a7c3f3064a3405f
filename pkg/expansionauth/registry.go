// Package expansionauth issues, revokes, and validates delegated
// expansion grants. The registry is in-memory only: grants die with the
// process, which matches their short lifetimes (two minutes by default,
// fifteen at most).
package expansionauth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

// Grant TTL and scope bounds.
const (
	MinTTL     = time.Second
	MaxTTL     = 15 * time.Minute
	DefaultTTL = 120 * time.Second
)

// GrantInput is the payload for IssueGrant.
type GrantInput struct {
	DelegatorSessionKey string
	DelegateSessionKey  string
	ConversationIDs     []lcm.ConversationID
	MaxDepth            int
	MaxTokenCap         int
	TTL                 time.Duration // zero = DefaultTTL
}

// AuthRequest is what retrieval operations submit for validation.
type AuthRequest struct {
	SessionKey     string
	ConversationID lcm.ConversationID
	Depth          int
	TokenCap       int
}

// Registry stores active grants indexed by delegate session key. All
// access is serialized by one mutex; expired grants are pruned lazily.
type Registry struct {
	mu     sync.Mutex
	grants map[string][]lcm.ExpansionGrant
	now    func() int64
}

// Option configures the registry.
type Option func(*Registry)

// WithClock overrides the millisecond clock, for tests.
func WithClock(now func() int64) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty grant registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		grants: map[string][]lcm.ExpansionGrant{},
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IssueGrant validates bounds and registers a grant for the delegate
// session.
func (r *Registry) IssueGrant(input GrantInput) (lcm.ExpansionGrant, error) {
	if input.DelegatorSessionKey == "" {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("delegatorSessionKey", "must not be empty")
	}
	if input.DelegateSessionKey == "" {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("delegateSessionKey", "must not be empty")
	}
	if len(input.ConversationIDs) == 0 {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("conversationIds", "must not be empty")
	}
	if input.MaxDepth < 0 || input.MaxDepth > lcm.MaxExpandDepth {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("maxDepth", "must be in [0, 8]")
	}
	if input.MaxTokenCap < 1 || input.MaxTokenCap > lcm.MaxExpandTokensCeiling {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("maxTokenCap", "must be in [1, 20000]")
	}

	ttl := input.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL || ttl > MaxTTL {
		return lcm.ExpansionGrant{}, lcm.NewValidationError("ttl", "must be in [1s, 15m]")
	}

	nowMs := r.now()
	grant := lcm.ExpansionGrant{
		GrantID:             uuid.NewString(),
		DelegatorSessionKey: input.DelegatorSessionKey,
		DelegateSessionKey:  input.DelegateSessionKey,
		ConversationIDs:     append([]lcm.ConversationID(nil), input.ConversationIDs...),
		MaxDepth:            input.MaxDepth,
		MaxTokenCap:         input.MaxTokenCap,
		IssuedAtMs:          nowMs,
		ExpiresAtMs:         nowMs + ttl.Milliseconds(),
	}

	r.mu.Lock()
	r.grants[grant.DelegateSessionKey] = append(r.grants[grant.DelegateSessionKey], grant)
	r.mu.Unlock()

	return grant, nil
}

// Authorize validates a retrieval request against the session's grants.
// An empty session key, or a session that never held a grant, is the
// main agent: the call returns (nil, nil) and the caller proceeds
// unrestricted. A session whose every grant just expired gets the
// expired error. Otherwise grants are checked in insertion order, the
// first passing grant wins, and when none pass the last failure is
// surfaced.
func (r *Registry) Authorize(req AuthRequest) (*lcm.ExpansionGrant, error) {
	if req.SessionKey == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all, existed := r.grants[req.SessionKey]
	if !existed {
		return nil, nil
	}

	nowMs := r.now()
	active := all[:0]
	expired := 0
	for _, g := range all {
		if nowMs < g.ExpiresAtMs {
			active = append(active, g)
		} else {
			expired++
		}
	}
	if len(active) == 0 {
		delete(r.grants, req.SessionKey)
		if expired > 0 {
			return nil, lcm.NewAuthorizationError(lcm.AuthExpired, req.SessionKey, "all grants expired")
		}
		return nil, nil
	}
	r.grants[req.SessionKey] = active

	var lastErr *lcm.AuthorizationError
	for i := range active {
		g := active[i]
		if req.ConversationID == "" {
			lastErr = lcm.NewAuthorizationError(lcm.AuthMissingConversationScope, req.SessionKey, "request carries no conversation id")
			continue
		}
		if !g.Allows(req.ConversationID) {
			lastErr = lcm.NewAuthorizationError(lcm.AuthConversationOutOfScope, req.SessionKey, string(req.ConversationID))
			continue
		}
		if req.Depth > g.MaxDepth {
			lastErr = lcm.NewAuthorizationError(lcm.AuthDepthExceeded, req.SessionKey, "")
			continue
		}
		if req.TokenCap > g.MaxTokenCap {
			lastErr = lcm.NewAuthorizationError(lcm.AuthTokenCapExceeded, req.SessionKey, "")
			continue
		}
		return &g, nil
	}

	return nil, lastErr
}

// RevokeSession removes all grants for a delegate session. Idempotent.
func (r *Registry) RevokeSession(sessionKey string) {
	r.mu.Lock()
	delete(r.grants, sessionKey)
	r.mu.Unlock()
}

// ActiveGrants returns the session's unexpired grants, pruning expired
// ones.
func (r *Registry) ActiveGrants(sessionKey string) []lcm.ExpansionGrant {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowMs := r.now()
	var out []lcm.ExpansionGrant
	for _, g := range r.grants[sessionKey] {
		if nowMs < g.ExpiresAtMs {
			out = append(out, g)
		}
	}
	if out == nil {
		delete(r.grants, sessionKey)
	} else {
		r.grants[sessionKey] = out
	}
	return out
}
