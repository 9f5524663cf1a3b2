package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveIDUsesExplicitID(t *testing.T) {
	ev := Event{ID: "req-42", Message: "Produto critico"}

	id := EffectiveID(ev, time.Now(), DefaultIDBucket)

	assert.Equal(t, "req-42", id)
}

func TestEffectiveIDFallbackSameBucket(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 100*int(time.Millisecond), time.UTC)
	ev := Event{Message: "Estoque baixo: parafuso"}

	// Two arrivals within the same one-second bucket collapse to one id.
	first := EffectiveID(ev, base, time.Second)
	second := EffectiveID(ev, base.Add(400*time.Millisecond), time.Second)
	assert.Equal(t, first, second)

	// The next bucket yields a fresh id.
	third := EffectiveID(ev, base.Add(time.Second), time.Second)
	assert.NotEqual(t, first, third)
}

func TestEffectiveIDFallbackDistinctMessages(t *testing.T) {
	now := time.Now()

	a := EffectiveID(Event{Message: "a"}, now, time.Second)
	b := EffectiveID(Event{Message: "b"}, now, time.Second)

	assert.NotEqual(t, a, b)
}

func TestEncodeDecodeFrame(t *testing.T) {
	raw, err := EncodeFrame(EventJoinRoom, JoinRoomPayload{Room: "compras"})
	require.NoError(t, err)

	env, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, env.Event)

	var payload JoinRoomPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "compras", payload.Room)
}

func TestDecodeFrameRejectsUnnamed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"data":{}}`))
	require.Error(t, err)

	_, err = DecodeFrame([]byte(`not json`))
	require.Error(t, err)
}
