package keyfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs"
	"github.com/devpi/keyfs/keyfsconfig"
	"github.com/devpi/keyfs/storage/memstore"
)

func TestEngine_VerifyPassesOnConsistentHistory(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	key := reg.AddStaticKey("n", "n", keyfs.KindScalar).TypedKey()
	for i := int64(0); i < 3; i++ {
		ctx, tx, err := e.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Set(key, keyfs.NewScalar(i)))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, e.Verify(context.Background()))
}

func TestEngine_VerifyOnEmptyStoreIsNoOp(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Verify(context.Background()))
}
