package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sharedav/internal/metadata/postgres"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/pkg/models"
)

func sharesFixture() (*memTree, *fakeShares, []*models.FileNode) {
	tree := newMemTree()
	tree.add(&models.FileNode{Path: "/alice", IsDir: true, OwnerID: aliceID})
	tree.add(&models.FileNode{Path: "/alice/docs", IsDir: true, OwnerID: aliceID})
	a := tree.add(&models.FileNode{Path: "/alice/docs/a.txt", OwnerID: aliceID})
	b := tree.add(&models.FileNode{Path: "/alice/docs/b.txt", OwnerID: aliceID})
	c := tree.add(&models.FileNode{Path: "/alice/docs/c", IsDir: true, OwnerID: aliceID})

	shares := &fakeShares{}
	shares.add(sharing.ShareTypeLink, a, aliceID)
	shares.add(sharing.ShareTypeUser, a, aliceID)
	shares.add(sharing.ShareTypeUser, a, aliceID)
	shares.add(sharing.ShareTypeGroup, c, aliceID)
	// created by someone else: not reported to alice
	shares.add(sharing.ShareTypeUser, b, bobID)
	return tree, shares, []*models.FileNode{a, b, c}
}

func newSharesPlugin(tree *memTree, shares *fakeShares, received *fakeReceived) *SharesPlugin {
	return NewSharesPlugin(tree, shares, sharing.NewPermissionResolver(received))
}

func listQuery(depth int) *PropFindQuery {
	return &PropFindQuery{Path: "/alice/docs", Depth: depth, Props: []xml.Name{PropShares}}
}

func TestSharesPropertyValue(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})
	ctx := ctxFor(aliceID)

	value, ok, err := p.PropertyValue(ctx, nodes[0], PropShares)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[0,3]", value)

	value, ok, err = p.PropertyValue(ctx, nodes[2], PropShares)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[1]", value)

	_, ok, err = p.PropertyValue(ctx, nodes[1], PropShares)
	require.NoError(t, err)
	assert.False(t, ok, "a node without shares has no value")
}

func TestSharesLookupIsBounded(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	_, _, err := p.PropertyValue(ctxFor(aliceID), nodes[0], PropShares)
	require.NoError(t, err)

	require.Len(t, shares.calls, 3)
	want := []sharing.ShareType{sharing.ShareTypeUser, sharing.ShareTypeGroup, sharing.ShareTypeLink}
	for i, call := range shares.calls {
		assert.Equal(t, want[i], call.shareType)
		assert.Equal(t, aliceID, call.userID)
		assert.Equal(t, nodes[0].ID, call.nodeID)
		assert.False(t, call.reshares)
		assert.Equal(t, 1, call.limit)
	}
}

func TestSharesIgnoresOtherProperties(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	_, ok, err := p.PropertyValue(ctxFor(aliceID), nodes[0], PropPermissions)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, shares.calls)
}

func TestPrefetchMatchesLazy(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	lazy := map[string]string{}
	for _, n := range nodes {
		v, _, err := p.PropertyValue(ctxFor(aliceID), n, PropShares)
		require.NoError(t, err)
		lazy[n.ID] = v
	}

	shares.calls = nil
	ctx := withQuery(ctxFor(aliceID), listQuery(1))
	require.NoError(t, p.BeginPropFind(ctx, listQuery(1)))
	assert.Len(t, shares.calls, 3*len(nodes))

	shares.calls = nil
	for _, n := range nodes {
		v, _, err := p.PropertyValue(ctx, n, PropShares)
		require.NoError(t, err)
		assert.Equal(t, lazy[n.ID], v, n.Path)
	}
	assert.Empty(t, shares.calls, "prefetched nodes must not be looked up again")
}

func TestPrefetchInfinityCoversDirectChildrenOnly(t *testing.T) {
	tree, shares, _ := sharesFixture()
	tree.add(&models.FileNode{Path: "/alice/docs/c/deep.txt", OwnerID: aliceID})
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	ctx := withQuery(ctxFor(aliceID), listQuery(InfiniteDepth))
	require.NoError(t, p.BeginPropFind(ctx, listQuery(InfiniteDepth)))
	assert.Len(t, shares.calls, 9)

	_, ok := scopeFrom(ctx).shares[postgres.NodeID("/alice/docs/c/deep.txt")]
	assert.False(t, ok)
}

func TestPrefetchSkipped(t *testing.T) {
	tests := []struct {
		name string
		q    *PropFindQuery
	}{
		{"depth 0", listQuery(0)},
		{"not requested", &PropFindQuery{Path: "/alice/docs", Depth: 1, Props: []xml.Name{PropPermissions}}},
		{"allprop", &PropFindQuery{Path: "/alice/docs", Depth: 1, AllProp: true}},
		{"file target", &PropFindQuery{Path: "/alice/docs/a.txt", Depth: 1, Props: []xml.Name{PropShares}}},
		{"missing target", &PropFindQuery{Path: "/nope", Depth: 1, Props: []xml.Name{PropShares}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, shares, _ := sharesFixture()
			p := newSharesPlugin(tree, shares, &fakeReceived{})
			ctx := withQuery(ctxFor(aliceID), tt.q)
			require.NoError(t, p.BeginPropFind(ctx, tt.q))
			assert.Empty(t, shares.calls)
			assert.Empty(t, scopeFrom(ctx).shares)
		})
	}
}

func TestPrefetchErrorPropagates(t *testing.T) {
	tree, shares, _ := sharesFixture()
	boom := errors.New("share backend down")
	shares.err = boom
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	ctx := withQuery(ctxFor(aliceID), listQuery(1))
	err := p.BeginPropFind(ctx, listQuery(1))
	assert.ErrorIs(t, err, boom)
}

func TestLookupErrorPropagates(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	boom := errors.New("share backend down")
	shares.err = boom
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	_, _, err := p.PropertyValue(ctxFor(aliceID), nodes[0], PropShares)
	assert.ErrorIs(t, err, boom)
}

func TestCacheIsNotRefreshedWithinRequest(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	ctx := withQuery(ctxFor(aliceID), listQuery(1))
	require.NoError(t, p.BeginPropFind(ctx, listQuery(1)))

	// a link share appears after the prefetch
	shares.add(sharing.ShareTypeLink, nodes[1], aliceID)

	_, ok, err := p.PropertyValue(ctx, nodes[1], PropShares)
	require.NoError(t, err)
	assert.False(t, ok)

	// a new request sees it
	value, ok, err := p.PropertyValue(ctxFor(aliceID), nodes[1], PropShares)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[3]", value)
}

func TestSharesWithoutScope(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	p := newSharesPlugin(tree, shares, &fakeReceived{})

	// no principal: user 0 created nothing
	_, ok, err := p.PropertyValue(context.Background(), nodes[0], PropShares)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefetchRequiresReadAccess(t *testing.T) {
	tree, shares, nodes := sharesFixture()
	received := &fakeReceived{}
	p := newSharesPlugin(tree, shares, received)

	ctx := withQuery(ctxFor(bobID), listQuery(1))
	require.NoError(t, p.BeginPropFind(ctx, listQuery(1)))
	assert.Empty(t, shares.calls)
	assert.Empty(t, scopeFrom(ctx).shares)

	// the grant opens the listing
	received.grant(bobID, "/alice/docs", sharing.PermissionRead)
	ctx = withQuery(ctxFor(bobID), listQuery(1))
	require.NoError(t, p.BeginPropFind(ctx, listQuery(1)))
	assert.Len(t, shares.calls, 3*len(nodes))

	// the open root only prefetches the children bob can read
	tree.add(&models.FileNode{Path: "/bob", IsDir: true, OwnerID: bobID})
	shares.calls = nil
	root := &PropFindQuery{Path: "/", Depth: 1, Props: []xml.Name{PropShares}}
	ctx = withQuery(ctxFor(bobID), root)
	require.NoError(t, p.BeginPropFind(ctx, root))
	assert.Len(t, shares.calls, 3)
	_, ok := scopeFrom(ctx).shares[postgres.NodeID("/alice")]
	assert.False(t, ok)
	_, ok = scopeFrom(ctx).shares[postgres.NodeID("/bob")]
	assert.True(t, ok)
}
