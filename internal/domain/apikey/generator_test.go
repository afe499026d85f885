package apikey

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitConcatenate(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		left, right string
	}{
		{name: "prefix and secret", key: "ABCDEFGH.secret", left: "ABCDEFGH", right: "secret"},
		{name: "no separator", key: "ABCDEFGH", left: "ABCDEFGH", right: ""},
		{name: "first separator wins", key: "a.b.c", left: "a", right: "b.c"},
		{name: "empty", key: "", left: "", right: ""},
		{name: "leading separator", key: ".secret", left: "", right: "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, right := Split(tt.key)
			assert.Equal(t, tt.left, left)
			assert.Equal(t, tt.right, right)
		})
	}
}

func TestSplit_RoundTrip(t *testing.T) {
	for range 100 {
		prefix, err := randomString(rand.Reader, PrefixLength)
		require.NoError(t, err)
		left, right := Split(Concatenate(prefix, "s3cr3t.with.dots"))
		assert.Equal(t, prefix, left)
		assert.Equal(t, "s3cr3t.with.dots", right)
	}
}

func TestGenerate(t *testing.T) {
	g := NewGenerator(mustHashers(t, HashingConfig{}))

	key, prefix, hashed, err := g.Generate()
	require.NoError(t, err)

	left, right := Split(key)
	assert.Equal(t, prefix, left)
	assert.Len(t, prefix, PrefixLength)
	assert.Len(t, right, SecretLength)
	for _, r := range prefix + right {
		assert.True(t, strings.ContainsRune(Alphabet, r), "unexpected character %q", r)
	}

	assert.True(t, strings.HasPrefix(hashed, AlgSHA512+tagSeparator))
	assert.True(t, g.hashers.Verify(key, hashed))
	assert.NotContains(t, hashed, right)
}

func TestGenerate_Unique(t *testing.T) {
	g := NewGenerator(mustHashers(t, HashingConfig{}))

	seen := make(map[string]struct{})
	for range 1000 {
		key, _, _, err := g.Generate()
		require.NoError(t, err)
		_, dup := seen[key]
		require.False(t, dup)
		seen[key] = struct{}{}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestGenerate_RandomnessFailure(t *testing.T) {
	g := NewGenerator(mustHashers(t, HashingConfig{}))
	g.rand = failingReader{}

	_, _, _, err := g.Generate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestRandomString_RejectsBiasedBytes(t *testing.T) {
	// 255 is above the rejection limit and must never map to a character.
	src := append(bytes.Repeat([]byte{255}, 12), bytes.Repeat([]byte{0}, 12)...)

	s, err := randomString(bytes.NewReader(src), 4)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat(string(Alphabet[0]), 4), s)
}
