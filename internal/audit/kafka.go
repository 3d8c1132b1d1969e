package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaRecorder streams events keyed by session id, so one session's
// decisions stay ordered within a partition.
type KafkaRecorder struct {
	producer Producer
	topic    string
}

func NewKafkaRecorder(p Producer, topic string) *KafkaRecorder {
	return &KafkaRecorder{producer: p, topic: topic}
}

func (k *KafkaRecorder) Record(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	headers := map[string]string{
		"event_type": "authorization_decision",
		"decision":   string(e.Result.Decision),
	}
	if err := k.producer.Produce(ctx, k.topic, []byte(e.SessionID), payload, headers); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}
