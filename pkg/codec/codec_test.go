package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, float64(1), out["a"])
	require.Equal(t, "x", out["b"])
}

func TestCBORCodecRoundTrip(t *testing.T) {
	c, err := CBOR()
	require.NoError(t, err)

	in := map[string]any{"n": 42}
	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	n, ok := out["n"].(uint64)
	if !ok {
		// decoder may choose a different numeric representation
		nf, ok2 := out["n"].(float64)
		require.True(t, ok2, "unexpected type for decoded number: %T", out["n"])
		n = uint64(nf)
	}
	require.EqualValues(t, 42, n)
}

func TestProtoCodecStructpbRoundTrip(t *testing.T) {
	c := Proto()
	in := map[string]any{"k": "v", "n": 3.0}
	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out any
	require.NoError(t, c.Unmarshal(b, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "v", m["k"])
	require.Equal(t, 3.0, m["n"])
}

func TestRegistryEncodeDecodeTagged(t *testing.T) {
	r := NewRegistry()

	for _, f := range []Format{FormatJSON, FormatCBOR} {
		in := map[string]any{"hello": "world"}
		b, err := EncodeTagged(r, f, in)
		require.NoError(t, err)

		var out map[string]any
		gotFormat, err := DecodeTagged(r, b, &out)
		require.NoError(t, err)
		require.Equal(t, f, gotFormat)
		require.Equal(t, "world", out["hello"])
	}
}

func TestDecodeTaggedRejectsEmptyPayload(t *testing.T) {
	r := NewRegistry()
	var out map[string]any
	_, err := DecodeTagged(r, nil, &out)
	require.Error(t, err)
}
