package lti_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/lti-tool/pkg/tool/lti"
)

func deepLinkContext() *lti.LaunchContext {
	return &lti.LaunchContext{
		Issuer:       testIssuer,
		ClientID:     testClientID,
		DeploymentID: testDeployment,
		MessageType:  lti.MessageDeepLinking,
		Version:      lti.LTIVersion,
		User:         lti.User{Subject: "u1", Roles: []string{lti.RoleInstructor}},
		DeepLinkingSettings: &lti.DeepLinkingSettings{
			ReturnURL:   "https://platform.example/deep_links",
			AcceptTypes: []string{"ltiResourceLink"},
		},
		Custom:    map[string]string{"k": "v"},
		Claims:    map[string]any{"sub": "u1"},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryLaunchCachePutGet(t *testing.T) {
	c := lti.NewMemoryLaunchCache(0)
	ctx := context.Background()

	lc := deepLinkContext()
	id, err := c.Put(ctx, lc)
	require.NoError(t, err)
	assert.Equal(t, id, lc.LaunchID)
	assert.True(t, lti.ValidLaunchID(id))

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lc, got)

	// callers get copies
	got.Custom["k"] = "mutated"
	again, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Custom["k"])

	_, err = c.Get(ctx, "lti1p3-launch-unknown")
	assert.ErrorIs(t, err, lti.ErrNotFound)
}

func TestMemoryLaunchCacheKeepsClaimNumbers(t *testing.T) {
	c := lti.NewMemoryLaunchCache(0)
	lc := deepLinkContext()
	lc.Claims = map[string]any{
		"exp":                 json.Number("1735689600"),
		"https://x.example/n": json.Number("12345678901234567891"),
	}
	id, err := c.Put(context.Background(), lc)
	require.NoError(t, err)

	got, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567891"), got.Claims["https://x.example/n"])
	assert.Equal(t, json.Number("1735689600"), got.Claims["exp"])
}

func TestMemoryLaunchCacheIDsAreUnique(t *testing.T) {
	c := lti.NewMemoryLaunchCache(0)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		id, err := c.Put(context.Background(), deepLinkContext())
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate launch id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 500, c.Len())
}

func TestMemoryLaunchCacheTTL(t *testing.T) {
	clock := newClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	c := lti.NewMemoryLaunchCache(2 * time.Hour)
	c.Now = clock.Now
	ctx := context.Background()

	lc := deepLinkContext()
	id, err := c.Put(ctx, lc)
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)
	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lc, got)

	clock.Advance(2 * time.Hour)
	_, err = c.Get(ctx, id)
	assert.ErrorIs(t, err, lti.ErrNotFound)
}

func TestValidLaunchID(t *testing.T) {
	assert.True(t, lti.ValidLaunchID(lti.NewLaunchID()))
	assert.False(t, lti.ValidLaunchID("abc"))
	assert.False(t, lti.ValidLaunchID("lti1p3-launch-not-a-uuid"))
}
