package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenSignerMint(t *testing.T) {
	signer := NewTokenSigner([]byte("server-secret"))
	expires := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tok := signer.Mint("plan-1", "alice", expires)
	assert.Regexp(t, `^approve-[0-9a-f]{20}-[0-9a-f]{8}$`, tok)

	// Identical inputs share the HMAC segment but differ in the random
	// suffix, so every minted token is unique.
	tok2 := signer.Mint("plan-1", "alice", expires)
	assert.Equal(t, tok[:len("approve-")+20], tok2[:len("approve-")+20])
	assert.NotEqual(t, tok, tok2)

	// A different signing key yields a different signature segment.
	other := NewTokenSigner([]byte("other-secret")).Mint("plan-1", "alice", expires)
	assert.NotEqual(t, tok[:len("approve-")+20], other[:len("approve-")+20])
}

func TestTokenSignerMatches(t *testing.T) {
	signer := NewTokenSigner([]byte("server-secret"))
	tok := signer.Mint("plan-1", "alice", time.Now().Add(time.Minute))

	assert.True(t, signer.Matches(tok, tok))
	assert.False(t, signer.Matches("approve-forged", tok))
	assert.False(t, signer.Matches("", tok))
}
