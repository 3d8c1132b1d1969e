package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/config"
	"trust-service/internal/encryption"
)

type captured struct {
	topic string
	key   []byte
	value []byte
}

type fakeProducer struct{ msgs []captured }

func (p *fakeProducer) Produce(_ context.Context, topic string, key, value []byte, _ map[string]string) error {
	p.msgs = append(p.msgs, captured{topic, key, value})
	return nil
}

func TestKafkaDispatcher_SealsPayload(t *testing.T) {
	sealer, err := encryption.NewManager(config.KMSConfig{}, nil)
	require.NoError(t, err)
	p := &fakeProducer{}
	d := NewKafkaDispatcher(p, sealer, "notify.out-of-band")
	ctx := context.Background()

	req := NewRequest("s1", "user-1", KindOTP, ChannelSMS, map[string]string{"code": "493021"})
	require.NoError(t, d.Dispatch(ctx, req))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "notify.out-of-band", p.msgs[0].topic)
	assert.Equal(t, "user-1", string(p.msgs[0].key))
	assert.NotContains(t, string(p.msgs[0].value), "493021")

	var msg message
	require.NoError(t, json.Unmarshal(p.msgs[0].value, &msg))
	assert.Equal(t, req.ID, msg.ID)
	assert.Equal(t, KindOTP, msg.Kind)

	plain, err := sealer.Open(ctx, msg.Sealed)
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(plain, &payload))
	assert.Equal(t, "493021", payload["code"])
}

func TestMemoryDispatcher_Last(t *testing.T) {
	d := NewMemoryDispatcher()
	ctx := context.Background()

	_, ok := d.Last("s1", KindOTP)
	assert.False(t, ok)

	require.NoError(t, d.Dispatch(ctx, NewRequest("s1", "u", KindOTP, ChannelSMS, map[string]string{"code": "111111"})))
	require.NoError(t, d.Dispatch(ctx, NewRequest("s1", "u", KindSensitiveConfirmation, ChannelApp, nil)))
	require.NoError(t, d.Dispatch(ctx, NewRequest("s1", "u", KindOTP, ChannelSMS, map[string]string{"code": "222222"})))
	require.NoError(t, d.Dispatch(ctx, NewRequest("s2", "u", KindOTP, ChannelSMS, map[string]string{"code": "333333"})))

	got, ok := d.Last("s1", KindOTP)
	require.True(t, ok)
	assert.Equal(t, "222222", got.Payload["code"])
	assert.Equal(t, 4, d.Count())
}
