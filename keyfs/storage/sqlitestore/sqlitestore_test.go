package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs/storage"
	"github.com/devpi/keyfs/storage/sqlitestore"
)

func TestStore_OpenCreatesSchemaAndSeedsNextSerial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyfs.db")
	s, err := sqlitestore.Open(context.Background(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, int64(0), s.NextSerial())
}

func TestStore_IndexAndChangelogRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyfs.db")
	s, err := sqlitestore.Open(context.Background(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	conn, err := s.GetConnection(ctx, true)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.DBWriteTypedKey(ctx, "a/b.json", "a-key", 0))
	name, lastSerial, ok, err := conn.DBReadTypedKey(ctx, "a/b.json")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a-key", name)
	require.Equal(t, int64(0), lastSerial)

	entry := storage.ChangelogEntry{
		Changes: []storage.ChangeEntry{
			{Relpath: "a/b.json", Change: storage.Change{Name: "a-key", BackSerial: -1, Value: []byte("v1")}},
		},
		RelRenames: []string{"a/b.json-tmp"},
	}
	require.NoError(t, conn.WriteChangelogEntry(ctx, 0, entry))

	got, err := s.GetChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a/b.json", got[0].Relpath)
	require.Equal(t, []byte("v1"), got[0].Change.Value)

	raw, err := s.GetRawChangelogEntry(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a/b.json-tmp"}, raw.RelRenames)
}

func TestStore_ReopenPicksUpNextSerial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyfs.db")
	ctx := context.Background()

	s1, err := sqlitestore.Open(ctx, path, 0)
	require.NoError(t, err)
	conn, err := s1.GetConnection(ctx, true)
	require.NoError(t, err)
	require.NoError(t, conn.WriteChangelogEntry(ctx, 0, storage.ChangelogEntry{}))
	require.NoError(t, conn.WriteChangelogEntry(ctx, 1, storage.ChangelogEntry{}))
	require.NoError(t, conn.Close())
	require.NoError(t, s1.Close())

	s2, err := sqlitestore.Open(ctx, path, 0)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, int64(2), s2.NextSerial())
}
