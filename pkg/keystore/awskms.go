package keystore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/guardian-angel/synccore/pkg/types"
)

// loadAWSConfig resolves credentials the standard SDK way (env, shared
// config, EC2/ECS role), optionally pinned to a region, adapted from the
// teacher's internal/aws config loader.
func loadAWSConfig(ctx context.Context, region string) (awsconfig.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsconfig.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}

// AWSKMSBackend envelope-encrypts secret values with an AWS KMS CMK before
// delegating storage to an inner backend, so the data directory itself
// never holds plaintext key material. Adapted from the teacher's
// internal/keyGenerator/awsKms client usage, generalized from signing keys
// to opaque secret blobs.
type AWSKMSBackend struct {
	client *kms.Client
	keyID  string
	inner  SecretBackend
}

// NewAWSKMSBackend builds a KMS-backed backend. inner holds the resulting
// ciphertext blobs (typically a LocalFileBackend).
func NewAWSKMSBackend(ctx context.Context, keyID, region string, inner SecretBackend) (*AWSKMSBackend, error) {
	if keyID == "" {
		return nil, types.NewKeyStoreUnavailableError(fmt.Errorf("aws kms backend requires a key id"))
	}
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, types.NewKeyStoreUnavailableError(err)
	}
	return &AWSKMSBackend{
		client: kms.NewFromConfig(cfg),
		keyID:  keyID,
		inner:  inner,
	}, nil
}

// Get decrypts the ciphertext blob stored under name via KMS.
func (b *AWSKMSBackend) Get(name string) ([]byte, bool, error) {
	blob, ok, err := b.inner.Get(name)
	if err != nil || !ok {
		return nil, ok, err
	}
	out, err := b.client.Decrypt(context.Background(), &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          &b.keyID,
	})
	if err != nil {
		return nil, false, types.NewKeyStoreUnavailableError(fmt.Errorf("kms decrypt %s: %w", name, err))
	}
	return out.Plaintext, true, nil
}

// Put encrypts value with the configured CMK and stores the resulting
// ciphertext blob under name.
func (b *AWSKMSBackend) Put(name string, value []byte) error {
	out, err := b.client.Encrypt(context.Background(), &kms.EncryptInput{
		KeyId:     &b.keyID,
		Plaintext: value,
	})
	if err != nil {
		return types.NewKeyStoreUnavailableError(fmt.Errorf("kms encrypt %s: %w", name, err))
	}
	return b.inner.Put(name, out.CiphertextBlob)
}

// Delete removes the stored ciphertext blob.
func (b *AWSKMSBackend) Delete(name string) error {
	return b.inner.Delete(name)
}
