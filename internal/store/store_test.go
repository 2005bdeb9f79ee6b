package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_FieldsRoundTrip(t *testing.T) {
	expiry := time.UnixMilli(1_760_000_000_123)
	rec := Record{Access: "a.b.c", Refresh: "r.s.t", Expiry: expiry}

	fields := rec.Fields()
	assert.Equal(t, map[string]string{
		"access":       "a.b.c",
		"refresh":      "r.s.t",
		"token_expiry": "1760000000123",
	}, fields)

	got := RecordFromFields(fields)
	assert.Equal(t, rec.Access, got.Access)
	assert.Equal(t, rec.Refresh, got.Refresh)
	assert.True(t, expiry.Equal(got.Expiry))
}

func TestRecord_FieldsOmitsEmpty(t *testing.T) {
	assert.Equal(t, map[string]string{"refresh": "r"}, Record{Refresh: "r"}.Fields())
	assert.Empty(t, Record{}.Fields())
	assert.True(t, Record{}.Empty())
}

func TestRecordFromFields_BadExpiryIsAbsent(t *testing.T) {
	rec := RecordFromFields(map[string]string{"access": "a", "token_expiry": "tomorrow"})
	assert.Equal(t, "a", rec.Access)
	assert.True(t, rec.Expiry.IsZero())
}

// storeContract runs the behavior every Store implementation shares.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Empty(), "fresh store is empty")

	expiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.Save(ctx, Record{Access: "access-1", Refresh: "refresh-1", Expiry: expiry}))

	// Refresh only rewrites access and expiry.
	later := expiry.Add(time.Hour)
	require.NoError(t, s.Save(ctx, Record{Access: "access-2", Expiry: later}))

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", rec.Access)
	assert.Equal(t, "refresh-1", rec.Refresh)
	assert.True(t, later.Equal(rec.Expiry))

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx), "clearing an empty store is not an error")
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Empty())

	assert.NoError(t, s.Ping(ctx))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	storeContract(t, m)

	require.NoError(t, m.Save(context.Background(), Record{Refresh: "r"}))
	assert.Equal(t, map[string]string{"refresh": "r"}, m.Snapshot())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	storeContract(t, NewFile(path))
}

func TestFile_PermissionsAndNoTempLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	f := NewFile(path)

	require.NoError(t, f.Save(context.Background(), Record{Access: "a", Refresh: "r"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFile_SurvivesNewInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, NewFile(path).Save(context.Background(), Record{Refresh: "r"}))

	rec, err := NewFile(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", rec.Refresh)
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFile(path).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode session file")
}

func TestFile_PingMissingDir(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "missing", "session.json"))
	assert.Error(t, f.Ping(context.Background()))
}
