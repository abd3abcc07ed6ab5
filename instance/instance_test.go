package instance

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

func TestCreateInstanceSetsInitialState(t *testing.T) {
	store := openTestStore(t)
	inst := New(store)

	uri, err := inst.CreateInstance("process/demo", map[string]string{"amount": "500"}, "")
	require.NoError(t, err)
	assert.Contains(t, uri, "instance/")

	state, err := inst.State(uri)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceActive, state)

	v, ok := inst.GetVariable(uri, "amount", "")
	require.True(t, ok)
	assert.Equal(t, "500", v)
}

func TestSetStateRecordsCompletedAtOnTerminal(t *testing.T) {
	store := openTestStore(t)
	inst := New(store)
	uri, err := inst.CreateInstance("process/demo", nil, "")
	require.NoError(t, err)

	require.NoError(t, inst.SetState(uri, model.InstanceCompleted, "all tokens consumed"))
	state, err := inst.State(uri)
	require.NoError(t, err)
	assert.True(t, state.IsTerminal())

	_, ok := store.Value(uri, PredCompletedAt)
	assert.True(t, ok)
}

func TestVariableScopingPrefersTokenOverInstance(t *testing.T) {
	store := openTestStore(t)
	inst := New(store)
	uri, err := inst.CreateInstance("process/demo", map[string]string{"status": "pending"}, "")
	require.NoError(t, err)

	require.NoError(t, inst.SetVariable(uri, "status", "approved", XSDString, "token/1"))

	scoped, ok := inst.GetVariable(uri, "status", "token/1")
	require.True(t, ok)
	assert.Equal(t, "approved", scoped)

	unscoped, ok := inst.GetVariable(uri, "status", "")
	require.True(t, ok)
	assert.Equal(t, "pending", unscoped)

	otherToken, ok := inst.GetVariable(uri, "status", "token/2")
	require.True(t, ok)
	assert.Equal(t, "pending", otherToken, "falls back to instance scope when token has no binding")
}

func TestSnapshotVariablesCoercesByDatatype(t *testing.T) {
	store := openTestStore(t)
	inst := New(store)
	uri, err := inst.CreateInstance("process/demo", nil, "")
	require.NoError(t, err)

	require.NoError(t, inst.SetVariable(uri, "amount", "1500", XSDInteger, ""))
	require.NoError(t, inst.SetVariable(uri, "approved", "true", XSDBoolean, ""))
	require.NoError(t, inst.SetVariable(uri, "note", "urgent", XSDString, ""))

	snap, err := inst.SnapshotVariables(uri)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), snap["amount"])
	assert.Equal(t, true, snap["approved"])
	assert.Equal(t, "urgent", snap["note"])
}

func TestSetVariableReplacesPriorBindingAtomically(t *testing.T) {
	store := openTestStore(t)
	inst := New(store)
	uri, err := inst.CreateInstance("process/demo", nil, "")
	require.NoError(t, err)

	require.NoError(t, inst.SetVariable(uri, "count", "1", XSDInteger, ""))
	require.NoError(t, inst.SetVariable(uri, "count", "2", XSDInteger, ""))

	v, ok := inst.GetVariable(uri, "count", "")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	snap, err := inst.SnapshotVariables(uri)
	require.NoError(t, err)
	assert.Len(t, snap, 1, "variable name registered once despite repeated writes")
}
