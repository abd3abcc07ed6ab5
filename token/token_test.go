package token

import (
	"path/filepath"
	"testing"

	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *graphstore.Store {
	t.Helper()
	s, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTokenIsLiveAtNode(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	tokenURI, err := mgr.CreateToken("instance/1", "node/start", "", 0)
	require.NoError(t, err)

	tok, err := mgr.Get(tokenURI)
	require.NoError(t, err)
	assert.Equal(t, "instance/1", tok.Instance)
	assert.Equal(t, "node/start", tok.Node)
	assert.Equal(t, model.TokenLive, tok.State)
	assert.Equal(t, 0, tok.LoopIndex)
}

func TestMoveTokenUpdatesNodeOnly(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	tokenURI, err := mgr.CreateToken("instance/1", "node/start", "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.MoveToken(tokenURI, "node/gateway"))

	tok, err := mgr.Get(tokenURI)
	require.NoError(t, err)
	assert.Equal(t, "node/gateway", tok.Node)
	assert.Equal(t, model.TokenLive, tok.State)
}

func TestSuspendExcludesFromLiveTokens(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	tokenURI, err := mgr.CreateToken("instance/1", "node/usertask", "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Suspend(tokenURI))

	live, err := mgr.LiveTokens("instance/1")
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := mgr.AllTokens("instance/1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.TokenWaiting, all[0].State)
}

func TestConsumeTokenRemovesFromLiveTokens(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	a, err := mgr.CreateToken("instance/1", "node/join", "", 0)
	require.NoError(t, err)
	b, err := mgr.CreateToken("instance/1", "node/join", "", 0)
	require.NoError(t, err)

	require.NoError(t, mgr.ConsumeToken(a))

	live, err := mgr.LiveTokens("instance/1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b, live[0].URI)
}

func TestTokensAtFindsAllStatesAtNode(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	a, err := mgr.CreateToken("instance/1", "node/join", "", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Suspend(a))
	_, err = mgr.CreateToken("instance/1", "node/join", "", 0)
	require.NoError(t, err)

	atNode, err := mgr.TokensAt("instance/1", "node/join")
	require.NoError(t, err)
	assert.Len(t, atNode, 2)
}

func TestParentTokenURITracksEnclosureChain(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	parent, err := mgr.CreateToken("instance/outer", "node/subprocess", "", 0)
	require.NoError(t, err)
	child, err := mgr.CreateToken("instance/inner", "node/start", parent, 0)
	require.NoError(t, err)

	got, ok := mgr.ParentTokenURI(child)
	require.True(t, ok)
	assert.Equal(t, parent, got)
}

func TestCreateTokenWithLoopIndex(t *testing.T) {
	store := openTestStore(t)
	mgr := New(store)

	tokenURI, err := mgr.CreateToken("instance/1", "node/multi", "", 3)
	require.NoError(t, err)

	tok, err := mgr.Get(tokenURI)
	require.NoError(t, err)
	assert.Equal(t, 3, tok.LoopIndex)
}
