// Package encryption seals payloads with per-message AES-256-GCM data keys
// wrapped by AWS KMS, or by a process-local key when KMS is disabled.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"trust-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
)

// KMSAPI is the subset of the KMS client the manager calls.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Envelope is a sealed payload together with its wrapped data key.
type Envelope struct {
	Ciphertext   string    `json:"ciphertext"`
	EncryptedDEK string    `json:"encrypted_dek"`
	KeyID        string    `json:"key_id"`
	Purpose      string    `json:"purpose"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

type Manager struct {
	kms      KMSAPI
	cfg      config.KMSConfig
	localKEK []byte
	keyCache sync.Map // encrypted DEK -> plaintext DEK
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// NewManager returns a manager that wraps data keys with api when KMS is
// enabled. Otherwise a random key-encryption key is generated and lives only
// as long as the process.
func NewManager(cfg config.KMSConfig, api KMSAPI) (*Manager, error) {
	m := &Manager{kms: api, cfg: cfg}
	if cfg.Enabled {
		if api == nil {
			return nil, fmt.Errorf("%w: kms enabled without a client", ErrEncryptionFailed)
		}
		return m, nil
	}
	m.localKEK = make([]byte, 32)
	if _, err := rand.Read(m.localKEK); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return m, nil
}

// Seal encrypts plaintext under a fresh data key. purpose is bound as
// additional data so an envelope cannot be opened for another purpose.
func (m *Manager) Seal(ctx context.Context, plaintext []byte, purpose string) (*Envelope, error) {
	dek, wrapped, keyID, err := m.dataKey(ctx)
	if err != nil {
		return nil, err
	}

	ct, err := gcmSeal(dek, plaintext, []byte(purpose))
	if err != nil {
		return nil, err
	}

	encDEK := base64.StdEncoding.EncodeToString(wrapped)
	m.keyCache.Store(encDEK, dek)

	return &Envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(ct),
		EncryptedDEK: encDEK,
		KeyID:        keyID,
		Purpose:      purpose,
		Version:      envelopeVersion,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (m *Manager) Open(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope", ErrDecryptionFailed)
	}

	dek, err := m.unwrap(ctx, env.EncryptedDEK)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	return gcmOpen(dek, ct, []byte(env.Purpose))
}

// ClearCache drops every cached plaintext data key.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(k, _ interface{}) bool {
		m.keyCache.Delete(k)
		return true
	})
}

func (m *Manager) dataKey(ctx context.Context) (dek, wrapped []byte, keyID string, err error) {
	if m.cfg.Enabled {
		out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.cfg.KeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
		}
		return out.Plaintext, out.CiphertextBlob, m.cfg.KeyID, nil
	}

	dek = make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err = gcmSeal(m.localKEK, dek, nil)
	if err != nil {
		return nil, nil, "", err
	}
	return dek, wrapped, localKeyID, nil
}

func (m *Manager) unwrap(ctx context.Context, encDEK string) ([]byte, error) {
	if cached, ok := m.keyCache.Load(encDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
	}

	var dek []byte
	if m.cfg.Enabled {
		out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = out.Plaintext
	} else {
		if dek, err = gcmOpen(m.localKEK, blob, nil); err != nil {
			return nil, err
		}
	}

	m.keyCache.Store(encDEK, dek)
	return dek, nil
}

func gcmSeal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func gcmOpen(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	pt, err := gcm.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
