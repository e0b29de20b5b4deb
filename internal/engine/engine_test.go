package engine

import (
	"context"
	"testing"
	"time"

	"github.com/authz-engine/go-core/internal/apperr"
	"github.com/authz-engine/go-core/internal/policy"
	"github.com/authz-engine/go-core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, policy.Store) {
	t.Helper()
	store := policy.NewMemoryStore()
	eng, err := New(DefaultConfig(), store, nil)
	require.NoError(t, err)
	return eng, store
}

func putResourcePolicy(t *testing.T, store policy.Store, p *types.Policy) {
	t.Helper()
	_, err := store.Put(&types.StoredPolicy{
		Kind:   types.KindResourcePolicy,
		Name:   p.Name,
		Policy: p,
	})
	require.NoError(t, err)
}

func TestEngine_DefaultDenyWhenNoPolicies(t *testing.T) {
	eng, _ := newTestEngine(t)

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["read"].Effect)
	assert.Equal(t, "default-deny", resp.Results["read"].Rule)
	assert.False(t, resp.Results["read"].Matched)
}

func TestEngine_ResourcePolicyAllow(t *testing.T) {
	eng, store := newTestEngine(t)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-viewer-read", Actions: []string{"read"}, Roles: []string{"viewer"}, Effect: types.EffectAllow},
		},
	})

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["read"].Effect)
	assert.Equal(t, "doc-policy", resp.Results["read"].Policy)
	assert.True(t, resp.Results["read"].Matched)
}

func TestEngine_FirstMatchingRuleWinsPerAction(t *testing.T) {
	eng, store := newTestEngine(t)

	// First rule (alphabetically, resource policies are sorted by name)
	// denies read; a later rule in another policy would allow it, but
	// the first match must win.
	putResourcePolicy(t, store, &types.Policy{
		Name:         "a-deny-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "deny-read", Actions: []string{"read"}, Effect: types.EffectDeny},
		},
	})
	putResourcePolicy(t, store, &types.Policy{
		Name:         "b-allow-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	})

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["read"].Effect)
	assert.Equal(t, "a-deny-policy", resp.Results["read"].Policy)
}

func TestEngine_PrincipalOverrideShortCircuitsResourcePolicy(t *testing.T) {
	eng, store := newTestEngine(t)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "deny-all", Actions: []string{"*"}, Effect: types.EffectDeny},
		},
	})

	_, err := store.Put(&types.StoredPolicy{
		Kind: types.KindPrincipal,
		Name: "alice-overrides",
		Policy: &types.Policy{
			Name:            "alice-overrides",
			PrincipalPolicy: true,
			Principal:       &types.PrincipalSelector{ID: "user:alice"},
			Resources:       []*types.ResourceSelector{{Kind: "document"}},
			Rules: []*types.Rule{
				{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow},
			},
		},
	})
	require.NoError(t, err)

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["read"].Effect)
	assert.Equal(t, "alice-overrides", resp.Results["read"].Policy)
}

func TestEngine_DerivedRoleGrantsAccess(t *testing.T) {
	eng, store := newTestEngine(t)

	_, err := store.Put(&types.StoredPolicy{
		Kind: types.KindDerivedRoles,
		Name: "common-roles",
		DerivedRoles: &types.DerivedRolesPolicy{
			Name: "common-roles",
			Definitions: []*types.DerivedRole{
				{Name: "document_owner", ParentRoles: []string{"employee"}, Condition: `principal.id == resource.attr.ownerId`},
			},
		},
	})
	require.NoError(t, err)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-owner-write", Actions: []string{"write"}, Roles: []string{"document_owner"}, Effect: types.EffectAllow},
		},
	})

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"employee"}},
		Resource: &types.Resource{
			Kind:       "document",
			ID:         "doc:1",
			Attributes: map[string]interface{}{"ownerId": "user:alice"},
		},
		Actions: []string{"write"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["write"].Effect)
}

func TestEngine_RuleConditionErrorTreatedAsNoMatchNotDeny(t *testing.T) {
	eng, store := newTestEngine(t)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "broken", Actions: []string{"read"}, Effect: types.EffectAllow, Condition: `resource.attr.nonexistent.field == "x"`},
			{Name: "fallback-allow", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	})

	resp, err := eng.Check(context.Background(), &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["read"].Effect)
	assert.Equal(t, "fallback-allow", resp.Results["read"].Rule)
}

func TestEngine_InvalidRequestRejected(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Check(context.Background(), &types.CheckRequest{
		Resource: &types.Resource{Kind: "document"},
		Actions:  []string{"read"},
	})
	assert.Error(t, err)
}

func TestEngine_CacheHitMarksMetadata(t *testing.T) {
	eng, store := newTestEngine(t)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	})

	req := &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	}

	first, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
}

func TestEngine_CheckBatch(t *testing.T) {
	eng, store := newTestEngine(t)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	})

	reqs := []*types.CheckRequest{
		{Principal: &types.Principal{ID: "user:alice"}, Resource: &types.Resource{Kind: "document", ID: "doc:1"}, Actions: []string{"read"}},
		{Principal: &types.Principal{ID: "user:bob"}, Resource: &types.Resource{Kind: "document", ID: "doc:2"}, Actions: []string{"read"}},
	}

	resps, err := eng.CheckBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, types.EffectAllow, resps[0].Results["read"].Effect)
	assert.Equal(t, types.EffectAllow, resps[1].Results["read"].Effect)
}

func TestEngine_ExpiredDeadlineReturnsTimeoutNotPartialResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	store := policy.NewMemoryStore()
	eng, err := New(cfg, store, nil)
	require.NoError(t, err)

	putResourcePolicy(t, store, &types.Policy{
		Name:         "doc-policy",
		ResourceKind: "document",
		Rules: []*types.Rule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow},
		},
	})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	resp, err := eng.Check(ctx, &types.CheckRequest{
		Principal: &types.Principal{ID: "user:alice", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc:1"},
		Actions:   []string{"read"},
	})
	require.Error(t, err)
	assert.Nil(t, resp)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindTimeout, kind)
}
