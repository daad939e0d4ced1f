package tracking

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec("test-signing-key")
	id := uuid.New()

	token := codec.Mint(id)
	got, err := codec.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestCodec_TokenIsURLSafe(t *testing.T) {
	codec := NewCodec("test-signing-key")
	token := codec.Mint(uuid.New())

	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "=")
}

func TestCodec_TamperedTokenFailsClosed(t *testing.T) {
	codec := NewCodec("test-signing-key")
	token := codec.Mint(uuid.New())

	// Flip one character of the payload; the signature no longer matches.
	var flipped byte = 'A'
	if token[0] == 'A' {
		flipped = 'B'
	}
	tampered := string(flipped) + token[1:]

	_, err := codec.Resolve(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCodec_WrongKeyFails(t *testing.T) {
	token := NewCodec("key-one").Mint(uuid.New())
	_, err := NewCodec("key-two").Resolve(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCodec_MalformedTokensFail(t *testing.T) {
	codec := NewCodec("test-signing-key")

	cases := []string{
		"",
		"no-dot-at-all",
		".",
		"onlysig.deadbeefdeadbeef",
		strings.Repeat("a", 200),
		codec.Mint(uuid.New()) + "x", // shifts the dot position
	}
	for _, tok := range cases {
		_, err := codec.Resolve(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q must not resolve", tok)
	}
}
