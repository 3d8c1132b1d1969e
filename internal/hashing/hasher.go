package hashing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"trust-service/internal/config"
	"trust-service/internal/util"
)

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrUnknownPepper   = errors.New("pepper version not found")
	ErrUnsupportedAlgo = errors.New("unsupported hash algorithm")
)

const algorithm = "argon2id-v1"

// Purposes are mixed into the hash input so a PIN hash can never verify an OTP.
const (
	purposePIN = "pin"
	purposeOTP = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher derives peppered argon2id hashes. Retired peppers are kept so
// stored credentials stay verifiable across rotations.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	rotation      time.Duration
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// NewHasher uses the configured pepper as version 1. Without one a random
// pepper is generated, which only suits development since restarts
// invalidate stored PINs.
func NewHasher(cfg config.HashingConfig) *Hasher {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		rotation: time.Duration(cfg.PepperRotationDays) * 24 * time.Hour,
	}

	if cfg.Pepper != "" {
		h.currentPepper = &Pepper{Value: cfg.Pepper, CreatedAt: time.Now(), Version: 1}
	} else {
		util.Warn("HASH_PEPPER not set, generating an ephemeral pepper")
		h.rotatePepper()
	}
	return h
}

func (h *Hasher) rotatePepper() {
	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	version := 1
	if h.currentPepper != nil {
		h.oldPeppers = append(h.oldPeppers, h.currentPepper)
		version = h.currentPepper.Version + 1
	}
	// Keep the last two retired versions.
	if len(h.oldPeppers) > 2 {
		h.oldPeppers = h.oldPeppers[len(h.oldPeppers)-2:]
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now(),
		Version:   version,
	}

	util.Info("Pepper rotated", util.Int("version", version))
}

// StartPepperRotation rotates the pepper on the configured interval until
// ctx is done. A zero interval disables rotation.
func (h *Hasher) StartPepperRotation(ctx context.Context) {
	if h.rotation <= 0 {
		return
	}
	ticker := time.NewTicker(h.rotation)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.rotatePepper()
			}
		}
	}()
}

func (h *Hasher) HashPIN(pin string) (*HashResult, error) {
	return h.hashWithPepper(pin, purposePIN)
}

func (h *Hasher) VerifyPIN(pin string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(pin, stored, purposePIN)
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, purposeOTP)
}

func (h *Hasher) VerifyOTP(otp string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, stored, purposeOTP)
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := h.derive(data+pepper.Value+purpose, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, stored *HashResult, purpose string) (bool, error) {
	if stored == nil {
		return false, ErrInvalidHash
	}
	if stored.Algorithm != "" && stored.Algorithm != algorithm {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgo, stored.Algorithm)
	}

	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(data+pepper+purpose, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(input string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(input), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLen)
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, p := range h.oldPeppers {
		if p.Version == version {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}
