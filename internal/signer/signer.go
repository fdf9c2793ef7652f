// Package signer produces the Ed25519-signed envelopes subscribers use to
// verify events came from this server.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/config"
)

// SignedEvent wraps one event payload. Payload is the exact byte string
// that was signed; clients verify signature against it verbatim.
type SignedEvent struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Signer holds the process signing key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	clock clockwork.Clock
	log   zerolog.Logger
}

// New loads the signing key. Order: raw base64 key, then JWK, then an
// ephemeral key for development runs.
func New(cfg config.SigningConfig, clock clockwork.Clock, log zerolog.Logger) (*Signer, error) {
	s := &Signer{
		clock: clock,
		log:   log.With().Str("component", "signer").Logger(),
	}

	switch {
	case cfg.KeyB64 != "":
		raw, err := base64.StdEncoding.DecodeString(cfg.KeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}
		switch len(raw) {
		case ed25519.PrivateKeySize:
			s.priv = ed25519.PrivateKey(raw)
		case ed25519.SeedSize:
			s.priv = ed25519.NewKeyFromSeed(raw)
		default:
			return nil, fmt.Errorf("signing key must be %d or %d bytes, got %d",
				ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
		}
	case cfg.KeyJWK != "":
		var jwk jose.JSONWebKey
		if err := json.Unmarshal([]byte(cfg.KeyJWK), &jwk); err != nil {
			return nil, fmt.Errorf("parse signing JWK: %w", err)
		}
		priv, ok := jwk.Key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing JWK is not an Ed25519 private key")
		}
		s.priv = priv
	default:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		s.priv = priv
		s.log.Warn().
			Str("publicKey", base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))).
			Msg("no signing key configured, generated an ephemeral one")
	}

	s.pub = s.priv.Public().(ed25519.PublicKey)
	return s, nil
}

// Sign serializes v deterministically and signs the exact bytes.
// Identical values always produce identical signatures.
func (s *Signer) Sign(v any) (SignedEvent, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return SignedEvent{}, fmt.Errorf("marshal payload: %w", err)
	}
	sig := ed25519.Sign(s.priv, payload)
	return SignedEvent{
		Payload:   string(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: s.clock.Now().UnixMilli(),
	}, nil
}

// PublicKeyB64 returns the verification key in transportable form.
func (s *Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Verify checks a signed envelope against a base64 public key.
func Verify(publicKeyB64 string, se SignedEvent) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(se.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(se.Payload), sig)
}
