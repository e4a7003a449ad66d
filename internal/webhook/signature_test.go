package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignKnownVectors(t *testing.T) {
	cases := []struct {
		name    string
		secret  string
		payload string
		want    string
	}{
		{
			name:    "SimplePayload",
			secret:  "secret",
			payload: "payload",
			want:    "sha256=b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4",
		},
		{
			name:    "JSONBody",
			secret:  "whsec_test_k1",
			payload: `{"amount":"25.00","currency":"USDC"}`,
			want:    "sha256=23389a51831cfa011d0c037433ec3de5e1fe892670038d6803430ef07640a851",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sign(tc.secret, []byte(tc.payload)))
		})
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test_k1"
	payload := []byte(`{"amount":"25.00","currency":"USDC"}`)
	sig := Sign(secret, payload)

	t.Run("Matches", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, payload, sig))
	})

	t.Run("BareHexAccepted", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, payload, sig[len(SignaturePrefix):]))
	})

	t.Run("WrongSecret", func(t *testing.T) {
		assert.False(t, VerifySignature("other", payload, sig))
	})

	t.Run("TamperedPayload", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, []byte(`{"amount":"26.00","currency":"USDC"}`), sig))
	})

	t.Run("TamperedSignature", func(t *testing.T) {
		tampered := []byte(sig)
		tampered[len(tampered)-1] ^= 1
		assert.False(t, VerifySignature(secret, payload, string(tampered)))
	})

	t.Run("EmptySignature", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, payload, ""))
	})
}
