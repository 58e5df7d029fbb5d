package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

const (
	kmsPrefix   = "kms:"
	plainPrefix = "plain:"

	contextUserID = "user_id"
)

var ErrMalformed = errors.New("malformed sealed value")

// Sealer protects small secrets at rest. The owner id is bound to the ciphertext, so a
// value copied onto another user's record cannot be opened.
type Sealer interface {
	Seal(ctx context.Context, plaintext, ownerID string) (string, error)
	Open(ctx context.Context, sealed, ownerID string) (string, error)
}

type api interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type kmsSealer struct {
	client api
	keyID  string
}

func NewSealer(awsCfg aws.Config, endpoint *string, keyID string) Sealer {
	return &kmsSealer{
		client: kms.NewFromConfig(awsCfg, func(o *kms.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		}),
		keyID: keyID,
	}
}

func (s *kmsSealer) Seal(ctx context.Context, plaintext, ownerID string) (string, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         []byte(plaintext),
		EncryptionContext: map[string]string{contextUserID: ownerID},
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return kmsPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (s *kmsSealer) Open(ctx context.Context, sealed, ownerID string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, kmsPrefix)
	if !ok {
		return "", ErrMalformed
	}
	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(s.keyID),
		CiphertextBlob:    blob,
		EncryptionContext: map[string]string{contextUserID: ownerID},
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}

// PlainSealer only encodes. It exists for local development without a KMS key.
type PlainSealer struct{}

func (PlainSealer) Seal(_ context.Context, plaintext, _ string) (string, error) {
	return plainPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (PlainSealer) Open(_ context.Context, sealed, _ string) (string, error) {
	raw, ok := strings.CutPrefix(sealed, plainPrefix)
	if !ok {
		return "", ErrMalformed
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(b), nil
}
