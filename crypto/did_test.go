package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDIDRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	require.Contains(t, kp.DID, DIDPrefix)

	pub, err := PublicKeyOf(kp.DID)
	require.NoError(t, err)
	require.Equal(t, []byte(kp.Public), []byte(pub))
}

func TestPublicKeyOfRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"did:key:",
		"did:web:example.com",
		"did:key:zzzzz",
		"did:key:z" + "1111",
	}
	for _, did := range cases {
		_, err := PublicKeyOf(did)
		require.ErrorIs(t, err, ErrInvalidDID, "did=%q", did)
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "s"}}
	b := map[string]any{"nested": map[string]any{"y": "s", "z": true}, "a": 1, "b": 2}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":1,"b":2,"nested":{"y":"s","z":true}}`, string(ca))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	msg, err := Canonicalize(map[string]any{"id": "abc", "n": 1.5})
	require.NoError(t, err)

	sig := Sign(msg, kp.Private)
	require.NoError(t, Verify(msg, sig, kp.Public))

	// Re-canonicalizing yields identical bytes; the signature still holds.
	again, err := Canonicalize(map[string]any{"n": 1.5, "id": "abc"})
	require.NoError(t, err)
	require.NoError(t, Verify(again, sig, kp.Public))

	other, err := GenerateKeypair()
	require.NoError(t, err)
	require.ErrorIs(t, Verify(msg, sig, other.Public), ErrInvalidSignature)
	require.ErrorIs(t, Verify(msg, "not base64!!", kp.Public), ErrInvalidSignature)
}
