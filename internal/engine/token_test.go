package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokensMintVerify(t *testing.T) {
	t.Parallel()
	tokens := NewTokens("server secret")

	token := tokens.Mint("abc123.png")
	require.NotEmpty(t, token)
	require.True(t, tokens.Verify("abc123.png", token), "minted token should verify")
}

func TestTokensAreScopedToOneUpload(t *testing.T) {
	t.Parallel()
	tokens := NewTokens("server secret")

	token := tokens.Mint("abc123.png")
	require.False(t, tokens.Verify("def456.png", token),
		"a token minted for one upload must not verify for another")
}

func TestTokensRejectMalformedAndForeign(t *testing.T) {
	t.Parallel()
	tokens := NewTokens("server secret")

	require.False(t, tokens.Verify("abc123.png", ""), "empty token")
	require.False(t, tokens.Verify("abc123.png", "!!not-base64!!"), "undecodable token")
	require.False(t, tokens.Verify("abc123.png", "dG9vc2hvcnQ"), "wrong-length token")

	other := NewTokens("different secret")
	require.False(t, tokens.Verify("abc123.png", other.Mint("abc123.png")),
		"token under another secret must not verify")
}

func TestTokensDisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	require.Nil(t, NewTokens(""), "empty secret disables deletion")
}
