package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"trust-service/internal/hashing"
	"trust-service/internal/model"
)

// OTPManager issues numeric one-time codes bound to a session. Only the
// argon2 hash is stored and every verification consumes the code.
type OTPManager struct {
	store  model.OTPStore
	hasher *hashing.Hasher
	length int
	ttl    time.Duration
	now    func() time.Time
}

func NewOTPManager(store model.OTPStore, hasher *hashing.Hasher, length int, ttl time.Duration, now func() time.Time) *OTPManager {
	if now == nil {
		now = time.Now
	}
	return &OTPManager{store: store, hasher: hasher, length: length, ttl: ttl, now: now}
}

// Issue replaces any outstanding code for the session and returns the new
// plaintext code for out-of-band delivery.
func (m *OTPManager) Issue(ctx context.Context, sessionID string) (string, error) {
	code, err := generateCode(m.length)
	if err != nil {
		return "", err
	}
	h, err := m.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}

	issued := m.now()
	rec := &model.OTPRecord{
		SessionID:     sessionID,
		Hash:          h.Hash,
		Salt:          h.Salt,
		PepperVersion: h.PepperVersion,
		Algorithm:     h.Algorithm,
		IssuedAt:      issued,
		ExpiresAt:     issued.Add(m.ttl),
	}
	// Storage keeps the record a little past expiry so a late attempt
	// reports expired instead of not found.
	if err := m.store.Put(ctx, rec, m.ttl+time.Minute); err != nil {
		return "", fmt.Errorf("failed to store otp: %w", err)
	}
	return code, nil
}

// Verify consumes the session's code. A missing or stale code is
// ErrOTPExpired; a wrong one is ErrOTPMismatch.
func (m *OTPManager) Verify(ctx context.Context, sessionID, code string) error {
	rec, err := m.store.Take(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrOTPExpired
		}
		return fmt.Errorf("failed to load otp: %w", err)
	}
	if m.now().After(rec.ExpiresAt) {
		return ErrOTPExpired
	}

	code = strings.TrimSpace(code)
	if len(code) != m.length {
		return ErrOTPMismatch
	}
	ok, err := m.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          rec.Hash,
		Salt:          rec.Salt,
		PepperVersion: rec.PepperVersion,
		Algorithm:     rec.Algorithm,
	})
	if err != nil {
		return fmt.Errorf("failed to verify otp: %w", err)
	}
	if !ok {
		return ErrOTPMismatch
	}
	return nil
}

func (m *OTPManager) Discard(ctx context.Context, sessionID string) error {
	return m.store.Discard(ctx, sessionID)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
