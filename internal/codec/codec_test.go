package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustValue(t *testing.T, text string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestRoundTrip(t *testing.T) {
	values := []string{
		`null`,
		`true`,
		`"plain"`,
		`"ümlaut <b>&amp;</b>"`,
		`12345678901234567890`,
		`-0.000001`,
		`[]`,
		`{}`,
		`[{"id":"a","version":1,"isDeleted":false,"points":[[0,0],[1.5,2.25]]}]`,
		`{"nested":{"deeper":{"list":[1,"two",null,{"x":3}]}},"emoji":"✏️"}`,
	}

	for _, text := range values {
		for _, force := range []bool{false, true} {
			v := mustValue(t, text)
			data, compressed, err := Encode(v, force)
			require.NoError(t, err)
			if force {
				assert.True(t, compressed, "forced compression must be applied for %s", text)
			}

			got, err := DecodeValue(data, compressed)
			require.NoError(t, err)
			assert.Equal(t, v, got, "round trip of %s (force=%v)", text, force)
		}
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	a := mustValue(t, `{"b":1,"a":{"d":2,"c":3}}`)
	b := mustValue(t, `{"a":{"c":3,"d":2},"b":1}`)

	ra, err := Marshal(a)
	require.NoError(t, err)
	rb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"c":3,"d":2},"b":1}`, string(ra))
	assert.Equal(t, ra, rb)
}

func TestMarshalSortsRawJSON(t *testing.T) {
	raw := json.RawMessage(`{"version":2, "id":"a","text":"<b>&","nested":{"z":1,"y":[{"d":1,"c":2}]}}`)

	out, err := Marshal([]json.RawMessage{raw})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a","nested":{"y":[{"c":2,"d":1}],"z":1},"text":"<b>&","version":2}]`, string(out))
}

func TestCompressionOnlyWhenSmaller(t *testing.T) {
	data, compressed, err := Encode("x", false)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, `"x"`, string(data))

	big := strings.Repeat("abcdef", 500)
	data, compressed, err = Encode(big, false)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, len(data), len(big))
}

func TestEmptySnapshot(t *testing.T) {
	snap := EmptySnapshot()
	v, err := DecodeValue(snap, true)
	require.NoError(t, err)
	assert.Equal(t, []any{}, v)

	snap[0] ^= 0xff
	assert.False(t, bytes.Equal(snap, EmptySnapshot()), "callers must not be able to mutate the constant")
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeValue([]byte("not zlib"), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.False(t, errors.Is(err, ErrEncode))

	_, err = DecodeValue([]byte(`{"a":`), false)
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = DecodeValue([]byte(`1 2`), false)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestEncodeError(t *testing.T) {
	_, _, err := Encode(map[string]any{"ch": make(chan int)}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncode))

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "encode", cerr.Op)
}
