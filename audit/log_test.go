package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows is an in-memory rowScanner used to exercise scanEntries without a
// live PostgreSQL connection; the pgx-backed paths (ByInstance, ByType,
// CreateTables, Record) require an actual database and are not exercised by
// this package's tests.
type fakeRows struct {
	entries []Entry
	idx     int
}

func (r *fakeRows) Next() bool { return r.idx < len(r.entries) }

func (r *fakeRows) Scan(dest ...any) error {
	e := r.entries[r.idx]
	r.idx++
	*dest[0].(*string) = e.EntryID
	*dest[1].(*string) = e.InstanceURI
	*dest[2].(*string) = e.EventType
	*dest[3].(*json.RawMessage) = e.EventData
	*dest[4].(*time.Time) = e.RecordedAt
	return nil
}

func (r *fakeRows) Err() error { return nil }

func TestScanEntriesReadsEveryRow(t *testing.T) {
	now := time.Now().UTC()
	rows := &fakeRows{entries: []Entry{
		{EntryID: "e1", InstanceURI: "instance/1", EventType: "TokenMovedEvent", EventData: []byte(`{}`), RecordedAt: now},
		{EntryID: "e2", InstanceURI: "instance/1", EventType: "TaskCompletedEvent", EventData: []byte(`{}`), RecordedAt: now},
	}}

	out, err := scanEntries(rows)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "e1", out[0].EntryID)
	assert.Equal(t, "TaskCompletedEvent", out[1].EventType)
}

func TestScanEntriesEmpty(t *testing.T) {
	out, err := scanEntries(&fakeRows{})
	require.NoError(t, err)
	assert.Empty(t, out)
}
