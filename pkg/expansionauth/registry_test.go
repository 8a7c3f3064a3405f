package expansionauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/lcm/pkg/types/lcm"
)

func newTestRegistry(nowMs *int64) *Registry {
	return NewRegistry(WithClock(func() int64 { return *nowMs }))
}

func validInput() GrantInput {
	return GrantInput{
		DelegatorSessionKey: "main",
		DelegateSessionKey:  "delegate",
		ConversationIDs:     []lcm.ConversationID{"conv-alpha"},
		MaxDepth:            3,
		MaxTokenCap:         5000,
		TTL:                 60 * time.Second,
	}
}

func TestIssueGrant_Bounds(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)

	tests := []struct {
		name   string
		mutate func(*GrantInput)
	}{
		{"empty delegator", func(in *GrantInput) { in.DelegatorSessionKey = "" }},
		{"empty delegate", func(in *GrantInput) { in.DelegateSessionKey = "" }},
		{"empty conversations", func(in *GrantInput) { in.ConversationIDs = nil }},
		{"negative depth", func(in *GrantInput) { in.MaxDepth = -1 }},
		{"depth over ceiling", func(in *GrantInput) { in.MaxDepth = 9 }},
		{"zero token cap", func(in *GrantInput) { in.MaxTokenCap = 0 }},
		{"token cap over ceiling", func(in *GrantInput) { in.MaxTokenCap = 20001 }},
		{"ttl too short", func(in *GrantInput) { in.TTL = 500 * time.Millisecond }},
		{"ttl too long", func(in *GrantInput) { in.TTL = 16 * time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := r.IssueGrant(in)
			var verr *lcm.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestIssueGrant_DefaultTTL(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)

	in := validInput()
	in.TTL = 0
	grant, err := r.IssueGrant(in)
	require.NoError(t, err)
	assert.Equal(t, now+DefaultTTL.Milliseconds(), grant.ExpiresAtMs)
}

func TestAuthorize_MainAgentBypass(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)

	// No session key.
	grant, err := r.Authorize(AuthRequest{})
	require.NoError(t, err)
	assert.Nil(t, grant)

	// Session that never held a grant.
	grant, err = r.Authorize(AuthRequest{SessionKey: "stranger", ConversationID: "conv-alpha"})
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestAuthorize_OutOfScopeConversation(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)
	_, err := r.IssueGrant(validInput())
	require.NoError(t, err)

	_, err = r.Authorize(AuthRequest{
		SessionKey:     "delegate",
		ConversationID: "conv-beta",
		Depth:          1,
		TokenCap:       1000,
	})
	ae, ok := lcm.IsAuthorizationError(err)
	require.True(t, ok)
	assert.Equal(t, lcm.AuthConversationOutOfScope, ae.Code)
}

func TestAuthorize_MissingConversationScope(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)
	_, err := r.IssueGrant(validInput())
	require.NoError(t, err)

	_, err = r.Authorize(AuthRequest{SessionKey: "delegate"})
	ae, ok := lcm.IsAuthorizationError(err)
	require.True(t, ok)
	assert.Equal(t, lcm.AuthMissingConversationScope, ae.Code)
}

func TestAuthorize_DepthAndTokenCapCeilings(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)
	_, err := r.IssueGrant(validInput())
	require.NoError(t, err)

	_, err = r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 4, TokenCap: 100,
	})
	ae, _ := lcm.IsAuthorizationError(err)
	require.NotNil(t, ae)
	assert.Equal(t, lcm.AuthDepthExceeded, ae.Code)

	_, err = r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 1, TokenCap: 6000,
	})
	ae, _ = lcm.IsAuthorizationError(err)
	require.NotNil(t, ae)
	assert.Equal(t, lcm.AuthTokenCapExceeded, ae.Code)

	grant, err := r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 3, TokenCap: 5000,
	})
	require.NoError(t, err)
	require.NotNil(t, grant)
}

func TestAuthorize_ExpiredGrant(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)

	in := validInput()
	in.TTL = time.Second
	_, err := r.IssueGrant(in)
	require.NoError(t, err)

	now += 5000

	_, err = r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 1, TokenCap: 100,
	})
	ae, ok := lcm.IsAuthorizationError(err)
	require.True(t, ok)
	assert.Equal(t, lcm.AuthExpired, ae.Code)

	// The expired grant is pruned: the next call is a main-agent bypass.
	grant, err := r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 1, TokenCap: 100,
	})
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestAuthorize_FirstPassingGrantWins(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)

	narrow := validInput()
	narrow.MaxDepth = 1
	first, err := r.IssueGrant(narrow)
	require.NoError(t, err)

	wide := validInput()
	wide.MaxDepth = 8
	second, err := r.IssueGrant(wide)
	require.NoError(t, err)

	// Depth 1 passes the first grant.
	grant, err := r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 1, TokenCap: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, first.GrantID, grant.GrantID)

	// Depth 5 fails the first but passes the second.
	grant, err = r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 5, TokenCap: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, second.GrantID, grant.GrantID)
}

func TestRevokeSession_Idempotent(t *testing.T) {
	now := int64(1000)
	r := newTestRegistry(&now)
	_, err := r.IssueGrant(validInput())
	require.NoError(t, err)

	r.RevokeSession("delegate")
	r.RevokeSession("delegate")

	grant, err := r.Authorize(AuthRequest{
		SessionKey: "delegate", ConversationID: "conv-alpha", Depth: 1, TokenCap: 100,
	})
	require.NoError(t, err)
	assert.Nil(t, grant, "revoked session falls back to main-agent bypass")
}
