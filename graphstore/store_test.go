package graphstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAddAndValue(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Add("instance/1", "variable/orderTotal", "1000"))

	v, ok := s.Value("instance/1", "variable/orderTotal")
	require.True(t, ok)
	assert.Equal(t, "1000", v)

	_, ok = s.Value("instance/1", "variable/missing")
	assert.False(t, ok)
}

func TestStoreSetReplacesPriorBinding(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("instance/1", "variable/amount", "100"))
	require.NoError(t, s.Set("instance/1", "variable/amount", "200"))

	triples, err := s.Triples(Pattern{Subject: "instance/1", Predicate: "variable/amount"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "200", triples[0].Object)
}

func TestStoreRemove(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Add("instance/1", "state", "active"))
	require.NoError(t, s.Add("instance/1", "state", "suspended"))
	require.NoError(t, s.Remove("instance/1", "state", "active"))

	triples, err := s.Triples(Pattern{Subject: "instance/1", Predicate: "state"})
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "suspended", triples[0].Object)
}

func TestStoreQueryWithVariable(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Add("flow/1", "source", "gateway/1"))
	require.NoError(t, s.Add("flow/1", "target", "node/a"))
	require.NoError(t, s.Add("flow/2", "source", "gateway/1"))
	require.NoError(t, s.Add("flow/2", "target", "node/b"))

	rows, err := s.Query(Pattern{Subject: "?flow", Predicate: "source", Object: "gateway/1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStoreAsk(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Add("instance/42", "state", "active"))

	ok, err := s.Ask(Pattern{Subject: "?instance", Predicate: "state", Object: "active"}, map[string]string{"instance": "instance/42"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Ask(Pattern{Subject: "?instance", Predicate: "state", Object: "completed"}, map[string]string{"instance": "instance/42"})
	require.NoError(t, err)
	assert.False(t, ok)
}
