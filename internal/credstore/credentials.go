package credstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Credentials is the long-lived identity and registration record for one
// session. A record is complete when the identity keypair, the noise key,
// the account metadata and the registered flag are all present; only a
// complete record can open a connection without re-pairing.
type Credentials struct {
	IdentityPub  ed25519.PublicKey  `json:"identity_pub"`
	IdentityPriv ed25519.PrivateKey `json:"identity_priv"`

	// NoisePriv is the curve25519 scalar for the transport noise handshake;
	// NoisePub is its public point.
	NoisePriv []byte `json:"noise_priv"`
	NoisePub  []byte `json:"noise_pub"`

	// Account registration metadata assigned by the server during pairing.
	AccountID      string `json:"account_id"`
	PhoneNumber    string `json:"phone_number"`
	RegistrationID uint32 `json:"registration_id"`
	ServerToken    string `json:"server_token"`

	Registered bool `json:"registered"`
}

// NewCredentials generates a fresh, unregistered credential record with new
// identity and noise keypairs. The record stays incomplete until pairing
// fills in the account metadata and sets Registered.
func NewCredentials() (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity keypair: %w", err)
	}

	noisePriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(noisePriv); err != nil {
		return nil, fmt.Errorf("generating noise key: %w", err)
	}

	noisePub, err := curve25519.X25519(noisePriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving noise public key: %w", err)
	}

	return &Credentials{
		IdentityPub:  pub,
		IdentityPriv: priv,
		NoisePriv:    noisePriv,
		NoisePub:     noisePub,
	}, nil
}

// Complete reports whether the record can open a connection without
// re-pairing.
func (c *Credentials) Complete() bool {
	if c == nil {
		return false
	}

	return len(c.IdentityPriv) == ed25519.PrivateKeySize &&
		len(c.NoisePriv) == curve25519.ScalarSize &&
		c.AccountID != "" &&
		c.Registered
}

// marshalCredentials serializes the record for disk. Key bytes travel as
// base64 inside JSON, which round-trips []byte exactly.
func marshalCredentials(c *Credentials) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling credentials: %w", err)
	}

	return data, nil
}

func unmarshalCredentials(data []byte) (*Credentials, error) {
	c := &Credentials{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}

	return c, nil
}
