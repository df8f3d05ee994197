package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519KeyPair(t *testing.T) {
	t.Run("SignAndVerify", func(t *testing.T) {
		kp, err := GenerateEd25519KeyPair()
		require.NoError(t, err)

		msg := []byte("handshake payload")
		sig := kp.Sign(msg)

		assert.NoError(t, kp.Verify(kp.PublicKey(), msg, sig))
	})

	t.Run("RejectsTamperedMessage", func(t *testing.T) {
		kp, err := GenerateEd25519KeyPair()
		require.NoError(t, err)

		sig := kp.Sign([]byte("original"))
		assert.Error(t, kp.Verify(kp.PublicKey(), []byte("tampered"), sig))
	})

	t.Run("FromSeedRoundTrips", func(t *testing.T) {
		kp, err := GenerateEd25519KeyPair()
		require.NoError(t, err)

		reconstructed := Ed25519KeyPairFromSeed(kp.Seed())
		assert.Equal(t, kp.PublicKey(), reconstructed.PublicKey())
	})
}
