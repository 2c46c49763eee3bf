package keyfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs"
	"github.com/devpi/keyfs/keyfsconfig"
	"github.com/devpi/keyfs/storage/memstore"
)

func TestParamKey_ApplyRejectsSlashInParam(t *testing.T) {
	reg := keyfs.NewRegistry()
	k := reg.AddParamKey("project-file", "proj/{project}/files/{filename}", keyfs.KindScalar)

	_, err := k.Apply(map[string]string{"project": "a/b", "filename": "x.txt"})
	require.ErrorIs(t, err, keyfs.ErrInvalidParam)
}

func TestParamKey_ApplyAndExtractParamsRoundtrip(t *testing.T) {
	reg := keyfs.NewRegistry()
	k := reg.AddParamKey("project-file", "proj/{project}/files/{filename}", keyfs.KindScalar)

	tk, err := k.Apply(map[string]string{"project": "devpi", "filename": "x.tar.gz"})
	require.NoError(t, err)
	require.Equal(t, "proj/devpi/files/x.tar.gz", tk.Relpath())

	params, ok := k.ExtractParams(tk.Relpath())
	require.True(t, ok)
	require.Equal(t, "devpi", params["project"])
	require.Equal(t, "x.tar.gz", params["filename"])
}

func TestParamKey_ApplyMissingParam(t *testing.T) {
	reg := keyfs.NewRegistry()
	k := reg.AddParamKey("project-file", "proj/{project}/files/{filename}", keyfs.KindScalar)

	_, err := k.Apply(map[string]string{"project": "devpi"})
	require.ErrorIs(t, err, keyfs.ErrInvalidParam)
}

func TestStaticKey_TypedKeyIsFixed(t *testing.T) {
	reg := keyfs.NewRegistry()
	sk := reg.AddStaticKey("config", "config.json", keyfs.KindMapping)

	tk := sk.TypedKey()
	require.Equal(t, "config.json", tk.Relpath())
	require.Equal(t, "config", tk.Name())
	require.Empty(t, tk.Params())
}

func TestRegistry_AddKeyPicksStaticOrParam(t *testing.T) {
	reg := keyfs.NewRegistry()
	static := reg.AddKey("config", "config.json", keyfs.KindMapping)
	param := reg.AddKey("project-file", "proj/{project}", keyfs.KindScalar)

	_, isStatic := static.(*keyfs.StaticKey)
	require.True(t, isStatic)

	_, isParam := param.(*keyfs.ParamKey)
	require.True(t, isParam)
}

func TestRegistry_GetKeyUnknownName(t *testing.T) {
	reg := keyfs.NewRegistry()
	_, ok := reg.GetKey("missing")
	require.False(t, ok)
}

func TestTransaction_SetRejectsByteValueNestedInMapping(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	key := reg.AddStaticKey("config", "config.json", keyfs.KindMapping).TypedKey()

	_, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.Set(key, keyfs.NewMapping(map[string]keyfs.Value{
		"a": keyfs.NewScalar([]byte("x")),
	}))
	require.ErrorIs(t, err, keyfs.ErrTypeMismatch)
}

func TestTransaction_SetRejectsByteValueNestedInSequenceInsideMapping(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	key := reg.AddStaticKey("config", "config.json", keyfs.KindMapping).TypedKey()

	_, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.Set(key, keyfs.NewMapping(map[string]keyfs.Value{
		"items": keyfs.NewSequence([]keyfs.Value{
			keyfs.NewScalar("ok"),
			keyfs.NewScalar([]byte("bad")),
		}),
	}))
	require.ErrorIs(t, err, keyfs.ErrTypeMismatch)
}

func TestTransaction_SetAcceptsTextOnlyMapping(t *testing.T) {
	cfg := keyfsconfig.Default()
	cfg.BaseDir = t.TempDir()
	st := memstore.New(64)
	reg := keyfs.NewRegistry()
	e, err := keyfs.New(context.Background(), st, reg, keyfs.WithConfig(cfg))
	require.NoError(t, err)
	defer e.Close()

	key := reg.AddStaticKey("config", "config.json", keyfs.KindMapping).TypedKey()

	_, tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()

	err = tx.Set(key, keyfs.NewMapping(map[string]keyfs.Value{
		"a": keyfs.NewScalar("x"),
	}))
	require.NoError(t, err)
}
