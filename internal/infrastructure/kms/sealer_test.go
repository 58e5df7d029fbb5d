package kms

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS reverses the plaintext and refuses to decrypt under a different context.
type fakeKMS struct {
	owner string
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.owner = in.EncryptionContext[contextUserID]
	return &kms.EncryptOutput{CiphertextBlob: reverse(in.Plaintext)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if in.EncryptionContext[contextUserID] != f.owner {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func TestKMSSealer_RoundTrip(t *testing.T) {
	s := &kmsSealer{client: &fakeKMS{}, keyID: "alias/totp"}
	ctx := context.Background()

	sealed, err := s.Seal(ctx, "JBSWY3DPEHPK3PXP", "u1")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	plain, err := s.Open(ctx, sealed, "u1")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestKMSSealer_BoundToOwner(t *testing.T) {
	s := &kmsSealer{client: &fakeKMS{}, keyID: "alias/totp"}
	ctx := context.Background()

	sealed, err := s.Seal(ctx, "secret", "u1")
	require.NoError(t, err)
	_, err = s.Open(ctx, sealed, "u2")
	assert.Error(t, err)
}

func TestKMSSealer_RejectsPlainValues(t *testing.T) {
	s := &kmsSealer{client: &fakeKMS{}}
	sealed, _ := PlainSealer{}.Seal(context.Background(), "secret", "u1")
	_, err := s.Open(context.Background(), sealed, "u1")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPlainSealer_RoundTrip(t *testing.T) {
	var s PlainSealer
	sealed, err := s.Seal(context.Background(), "secret", "u1")
	require.NoError(t, err)
	plain, err := s.Open(context.Background(), sealed, "u1")
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}
