package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/event"
)

func testClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestSignDeterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	s, err := New(config.SigningConfig{KeyB64: base64.StdEncoding.EncodeToString(seed)}, testClock(), zerolog.Nop())
	require.NoError(t, err)

	e := event.Event{
		ID:     "abc",
		Source: event.SourceJMA,
		Time:   "2025-01-01T00:00:00.000Z",
	}
	a, err := s.Sign(e)
	require.NoError(t, err)
	b, err := s.Sign(e)
	require.NoError(t, err)

	assert.Equal(t, a.Payload, b.Payload)
	assert.Equal(t, a.Signature, b.Signature)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), a.Timestamp)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := New(config.SigningConfig{}, testClock(), zerolog.Nop())
	require.NoError(t, err)

	se, err := s.Sign(map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.True(t, Verify(s.PublicKeyB64(), se))

	// A single flipped byte in the payload must fail verification.
	tampered := se
	raw := []byte(tampered.Payload)
	raw[0] ^= 0x01
	tampered.Payload = string(raw)
	assert.False(t, Verify(s.PublicKeyB64(), tampered))

	assert.False(t, Verify("not base64!!", se))
	assert.False(t, Verify(base64.StdEncoding.EncodeToString([]byte("short")), se))
}

func TestNewFromFullPrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := New(config.SigningConfig{KeyB64: base64.StdEncoding.EncodeToString(priv)}, testClock(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pub), s.PublicKeyB64())

	_, err = New(config.SigningConfig{KeyB64: base64.StdEncoding.EncodeToString([]byte("tiny"))}, testClock(), zerolog.Nop())
	assert.Error(t, err)
}

func TestNewFromJWK(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	jwkJSON, err := json.Marshal(jose.JSONWebKey{Key: priv, Algorithm: string(jose.EdDSA)})
	require.NoError(t, err)

	s, err := New(config.SigningConfig{KeyJWK: string(jwkJSON)}, testClock(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pub), s.PublicKeyB64())

	se, err := s.Sign("hello")
	require.NoError(t, err)
	assert.True(t, Verify(s.PublicKeyB64(), se))

	_, err = New(config.SigningConfig{KeyJWK: "{"}, testClock(), zerolog.Nop())
	assert.Error(t, err)
}
