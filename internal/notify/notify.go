// Package notify delivers one-time codes and sensitive confirmations over a
// channel other than the voice session, so nothing secret is spoken aloud.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trust-service/internal/encryption"
)

type Kind string

const (
	KindOTP                   Kind = "otp"
	KindSensitiveConfirmation Kind = "sensitive_confirmation"
)

type Channel string

const (
	ChannelSMS Channel = "sms"
	ChannelApp Channel = "app"
)

type OutOfBandRequest struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Channel   Channel           `json:"channel"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewRequest stamps an id and creation time on a request.
func NewRequest(sessionID, userID string, kind Kind, channel Channel, payload map[string]string) OutOfBandRequest {
	return OutOfBandRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Channel:   channel,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req OutOfBandRequest) error
}

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Sealer is satisfied by encryption.Manager.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, purpose string) (*encryption.Envelope, error)
}

// message is what goes on the wire. The payload is only ever present sealed.
type message struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id"`
	Kind      Kind                 `json:"kind"`
	Channel   Channel              `json:"channel"`
	Sealed    *encryption.Envelope `json:"sealed"`
	CreatedAt time.Time            `json:"created_at"`
}

// KafkaDispatcher hands requests to the delivery workers through Kafka.
type KafkaDispatcher struct {
	producer Producer
	sealer   Sealer
	topic    string
}

func NewKafkaDispatcher(p Producer, s Sealer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: p, sealer: s, topic: topic}
}

func (k *KafkaDispatcher) Dispatch(ctx context.Context, req OutOfBandRequest) error {
	plain, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env, err := k.sealer.Seal(ctx, plain, string(req.Kind))
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	value, err := json.Marshal(message{
		ID:        req.ID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Kind:      req.Kind,
		Channel:   req.Channel,
		Sealed:    env,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	headers := map[string]string{"kind": string(req.Kind), "channel": string(req.Channel)}
	if err := k.producer.Produce(ctx, k.topic, []byte(req.UserID), value, headers); err != nil {
		return fmt.Errorf("publish out-of-band request: %w", err)
	}
	return nil
}

// MemoryDispatcher keeps requests in memory. Development and tests read
// delivered codes from it.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []OutOfBandRequest
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

func (m *MemoryDispatcher) Dispatch(_ context.Context, req OutOfBandRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	return nil
}

// Last returns the newest request of kind for a session.
func (m *MemoryDispatcher) Last(sessionID string, kind Kind) (OutOfBandRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].SessionID == sessionID && m.sent[i].Kind == kind {
			return m.sent[i], true
		}
	}
	return OutOfBandRequest{}, false
}

func (m *MemoryDispatcher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
