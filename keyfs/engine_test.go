package keyfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs"
	"github.com/devpi/keyfs/keyfsconfig"
	"github.com/devpi/keyfs/storage/memstore"
)

func newTestEngine(t *testing.T) *keyfs.Engine {
	t.Helper()
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_RoundtripSetCommitGet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	key := e.Registry().AddStaticKey("config", "config.json", keyfs.KindMapping).TypedKey()

	ctx, tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(key, keyfs.NewMapping(map[string]keyfs.Value{"a": keyfs.NewScalar(int64(1))})))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	ctx, readTx, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	defer readTx.Rollback()
	v, err := readTx.Get(ctx, key, true)
	require.NoError(t, err)
	m := v.(*keyfs.MappingValue)
	got, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(1), got.(keyfs.ScalarValue).Raw())
}

func TestEngine_SnapshotIsolation_NoReadSkew(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("balance", "balance", keyfs.KindScalar).TypedKey()

	setupCtx, setup, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, setup.Set(key, keyfs.NewScalar(int64(100))))
	_, err = setup.Commit(setupCtx)
	require.NoError(t, err)

	readerCtx, reader, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	defer reader.Rollback()

	writerCtx, writer, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, writer.Set(key, keyfs.NewScalar(int64(200))))
	_, err = writer.Commit(writerCtx)
	require.NoError(t, err)

	v, err := reader.Get(readerCtx, key, true)
	require.NoError(t, err)
	require.Equal(t, int64(100), v.(keyfs.ScalarValue).Raw(), "reader must not observe a commit made after it began")
}

func TestEngine_TimeTravel_GetValueAt(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("counter", "counter", keyfs.KindScalar).TypedKey()

	var serials []int64
	for i := int64(1); i <= 3; i++ {
		ctx, tx, err := e.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Set(key, keyfs.NewScalar(i)))
		serial, err := tx.Commit(ctx)
		require.NoError(t, err)
		serials = append(serials, serial)
	}

	v, err := e.GetValueAt(context.Background(), key, serials[0])
	require.NoError(t, err)
	require.Equal(t, int64(1), v.(keyfs.ScalarValue).Raw())

	v, err = e.GetValueAt(context.Background(), key, serials[2])
	require.NoError(t, err)
	require.Equal(t, int64(3), v.(keyfs.ScalarValue).Raw())
}

func TestEngine_DeleteThenGetValueAtReturnsKeyAbsent(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("doomed", "doomed", keyfs.KindScalar).TypedKey()

	ctx, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(key, keyfs.NewScalar(int64(1))))
	setSerial, err := tx.Commit(ctx)
	require.NoError(t, err)

	ctx, tx, err = e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(key))
	delSerial, err := tx.Commit(ctx)
	require.NoError(t, err)

	_, err = e.GetValueAt(context.Background(), key, delSerial)
	require.ErrorIs(t, err, keyfs.ErrKeyAbsent)

	v, err := e.GetValueAt(context.Background(), key, setSerial)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.(keyfs.ScalarValue).Raw())
}

func TestEngine_MonotonicSerials(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("n", "n", keyfs.KindScalar).TypedKey()

	start := e.CurrentSerial()
	const commits = 10
	for i := 0; i < commits; i++ {
		ctx, tx, err := e.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx.Set(key, keyfs.NewScalar(int64(i))))
		_, err = tx.Commit(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, start+commits, e.CurrentSerial())
}

func TestEngine_AtMostOneWriter(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("n", "n", keyfs.KindScalar).TypedKey()

	ctx1, tx1, err := e.Begin(context.Background(), true)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, tx2, err := e.Begin(context.Background(), true)
		require.NoError(t, err)
		require.NoError(t, tx2.Set(key, keyfs.NewScalar(int64(2))))
		_, err = tx2.Commit(context.Background())
		require.NoError(t, err)
	}()

	require.NoError(t, tx1.Set(key, keyfs.NewScalar(int64(1))))
	_, err = tx1.Commit(ctx1)
	require.NoError(t, err)

	<-done
	require.Equal(t, int64(1), e.CurrentSerial())
}

func TestEngine_RollbackDiscardsChanges(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("n", "n", keyfs.KindScalar).TypedKey()

	ctx, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(key, keyfs.NewScalar(int64(1))))
	tx.Rollback()
	_ = ctx

	_, err = e.GetValueAt(context.Background(), key, e.CurrentSerial())
	require.ErrorIs(t, err, keyfs.ErrKeyAbsent)
}

func TestEngine_ReadOnlyEngineRejectsWrite(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg), keyfs.WithReadOnly(true))
	require.NoError(t, err)
	defer e.Close()

	_, _, err = e.Begin(context.Background(), true)
	require.ErrorIs(t, err, keyfs.ErrReadOnly)
}

func TestTransaction_DeriveKeyFromIndexByName(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("config", "config.json", keyfs.KindMapping).TypedKey()

	ctx, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(key, keyfs.NewMapping(nil)))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	ctx, reader, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	defer reader.Rollback()

	derived, err := reader.DeriveKey(ctx, "config.json", "")
	require.NoError(t, err)
	require.Equal(t, key, derived)
}

func TestTransaction_DeriveKeyUnknownRelpathRequiresName(t *testing.T) {
	e := newTestEngine(t)

	ctx, reader, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	defer reader.Rollback()

	_, err = reader.DeriveKey(ctx, "never-written", "")
	require.ErrorIs(t, err, keyfs.ErrKeyAbsent)
}

func TestTransaction_DeriveKeyFromOwnCache(t *testing.T) {
	e := newTestEngine(t)
	key := e.Registry().AddStaticKey("n", "n", keyfs.KindScalar).TypedKey()

	ctx, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(key, keyfs.NewScalar(int64(1))))

	derived, err := tx.DeriveKey(ctx, "n", "")
	require.NoError(t, err)
	require.Equal(t, key, derived)

	_, err = tx.Commit(ctx)
	require.NoError(t, err)
}

func TestEngine_BeginAlreadyBoundRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx, tx, err := e.Begin(context.Background(), false)
	require.NoError(t, err)
	defer tx.Rollback()

	_, _, err = e.Begin(ctx, false)
	require.ErrorIs(t, err, keyfs.ErrAlreadyBound)
}
