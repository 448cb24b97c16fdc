package secrets

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestBox(t *testing.T) *Box {
	t.Helper()
	b, err := New(testKey)
	require.NoError(t, err)
	return b
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = New("abcd")
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = New(strings.Repeat("zz", 32))
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	b := newTestBox(t)

	for _, in := range []string{"a", "whsec_abc123", "ünïcødé ✈", strings.Repeat("x", 200)} {
		enc, err := b.Encrypt(in)
		require.NoError(t, err)
		assert.NotContains(t, enc, in)

		out, err := b.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	b := newTestBox(t)

	first, err := b.Encrypt("same")
	require.NoError(t, err)
	second, err := b.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEncryptLayout(t *testing.T) {
	b := newTestBox(t)

	enc, err := b.Encrypt("hello")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Len(t, raw, nonceSize+tagSize+len("hello"))
}

func TestEncryptRejectsEmpty(t *testing.T) {
	b := newTestBox(t)
	_, err := b.Encrypt("   ")
	assert.ErrorIs(t, err, ErrEmptyValue)
}

func TestDecryptDetectsTampering(t *testing.T) {
	b := newTestBox(t)

	enc, err := b.Encrypt("whsec_signing_secret")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)

	// Flip one bit in every position: nonce, tag and ciphertext.
	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01

		_, err := b.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		require.ErrorIs(t, err, ErrAuthenticationFailed, "byte %d", i)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	b := newTestBox(t)
	enc, err := b.Encrypt("secret")
	require.NoError(t, err)

	other, err := New(strings.Repeat("ab", 32))
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptInvalidPayload(t *testing.T) {
	b := newTestBox(t)

	_, err := b.Decrypt("not base64 !!")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	short := base64.StdEncoding.EncodeToString(make([]byte, nonceSize+tagSize))
	_, err = b.Decrypt(short)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestMaskWebhookSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1234567890", strings.Repeat("•", 8) + "7890"},
		{"12345", strings.Repeat("•", 8) + "2345"},
		{"whsec_" + strings.Repeat("a", 20) + "wxyz", strings.Repeat("•", 26) + "wxyz"},
		{"1234", "••••"},
		{"ab", "••"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskWebhookSecret(tt.in))
		})
	}
}

func TestMaskLoyaltyNumber(t *testing.T) {
	assert.Equal(t, "AF••••5678", MaskLoyaltyNumber("AF12345678"))
	assert.Equal(t, "••3456", MaskLoyaltyNumber("123456"))
	assert.Equal(t, "•••", MaskLoyaltyNumber("123"))
}

func TestLoyaltyNumberRoundTrip(t *testing.T) {
	b := newTestBox(t)

	enc, err := b.EncryptLoyaltyNumber(" AF12345678 ")
	require.NoError(t, err)

	out, err := b.DecryptLoyaltyNumber(enc)
	require.NoError(t, err)
	assert.Equal(t, "AF12345678", out)

	_, err = b.DecryptLoyaltyNumber("AAAA")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestGenerateWebhookSecret(t *testing.T) {
	s, err := GenerateWebhookSecret()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, "whsec_"))
	assert.Len(t, s, len("whsec_")+48)
}
