package keyfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpi/keyfs"
)

func TestMsgpackCodec_RoundtripsEveryKind(t *testing.T) {
	c := keyfs.NewMsgpackCodec()

	mapping := keyfs.NewMapping(map[string]keyfs.Value{
		"name":    keyfs.NewScalar("devpi"),
		"version": keyfs.NewScalar(int64(3)),
	})
	seq := keyfs.NewSequence([]keyfs.Value{keyfs.NewScalar("a"), keyfs.NewScalar("b")})
	set := keyfs.NewSet([]string{"x", "y"})
	scalar := keyfs.NewScalar(int64(42))

	cases := []struct {
		name string
		kind keyfs.ValueKind
		v    keyfs.Value
	}{
		{"mapping", keyfs.KindMapping, mapping},
		{"sequence", keyfs.KindSequence, seq},
		{"set", keyfs.KindSet, set},
		{"scalar", keyfs.KindScalar, scalar},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := c.Encode(tc.v)
			require.NoError(t, err)

			decoded, err := c.Decode(raw, tc.kind)
			require.NoError(t, err)
			require.Equal(t, tc.kind, decoded.Kind())
		})
	}
}

func TestMsgpackCodec_MappingRoundtripPreservesValues(t *testing.T) {
	c := keyfs.NewMsgpackCodec()
	mapping := keyfs.NewMapping(map[string]keyfs.Value{
		"name": keyfs.NewScalar("devpi"),
	})

	raw, err := c.Encode(mapping)
	require.NoError(t, err)

	decoded, err := c.Decode(raw, keyfs.KindMapping)
	require.NoError(t, err)

	decodedMapping := decoded.(*keyfs.MappingValue)
	v, ok := decodedMapping.Get("name")
	require.True(t, ok)
	require.Equal(t, "devpi", v.(keyfs.ScalarValue).Raw())
}
