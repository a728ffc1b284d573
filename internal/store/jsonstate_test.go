package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDoc struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  map[string]int `json:"tags,omitempty"`
}

func TestJSONStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	st, err := NewJSONState(path)
	require.NoError(t, err)

	in := sampleDoc{Name: "ledger", Count: 3, Tags: map[string]int{"api": 2}}
	require.NoError(t, st.Save(in))

	var out sampleDoc
	ok, err := st.Load(&out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)

	// load; save; load is a fixed point
	require.NoError(t, st.Save(out))
	var again sampleDoc
	ok, err = st.Load(&again)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, out, again)
}

func TestJSONStateMissingFile(t *testing.T) {
	st, err := NewJSONState(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	var out sampleDoc
	ok, err := st.Load(&out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, out)
}

func TestJSONStateCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	st, err := NewJSONState(path)
	require.NoError(t, err)

	var out sampleDoc
	ok, err := st.Load(&out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenSQLiteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "shadow-bench.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}
