package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// At-rest encryption covers raw_json only. The other columns stay plaintext
// so queries keep working. Ciphertext is wrapped in a small JSON envelope so
// a reader can tell encrypted rows from plain ones.

const (
	// EncKeyEnv names the environment variable holding the raw key material.
	EncKeyEnv = "DATA_COLLECTOR_ENC_KEY"

	encAlg     = "aes-256-gcm"
	encVersion = 1
)

var ErrNoEncryptionKey = errors.New("store: encryption enabled but no key available")

type encEnvelope struct {
	Enc string `json:"__enc__"`
	Alg string `json:"__alg__"`
	V   int    `json:"__v__"`
}

// RawCodec encrypts and decrypts the raw_json column. A nil codec (or one
// built without a key when encryption is off) passes values through.
type RawCodec struct {
	aead cipher.AEAD
}

// LoadRawCodec resolves key material from the environment variable first,
// then from keyFile. enabled=false returns a pass-through codec.
func LoadRawCodec(enabled bool, keyFile string) (*RawCodec, error) {
	if !enabled {
		return &RawCodec{}, nil
	}
	material := strings.TrimSpace(os.Getenv(EncKeyEnv))
	if material == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("store: read encryption key file: %w", err)
		}
		material = strings.TrimSpace(string(data))
	}
	if material == "" {
		return nil, ErrNoEncryptionKey
	}
	return NewRawCodec(material)
}

// NewRawCodec derives a 256-bit key from the material via SHA-256. Key files
// are free-form text; the derivation makes any non-empty secret usable.
func NewRawCodec(material string) (*RawCodec, error) {
	key := sha256.Sum256([]byte(material))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: init gcm: %w", err)
	}
	return &RawCodec{aead: aead}, nil
}

func (c *RawCodec) Enabled() bool { return c != nil && c.aead != nil }

// Encode returns the stored form of a raw_json value: the input unchanged
// when encryption is off, otherwise the ciphertext envelope.
func (c *RawCodec) Encode(rawJSON string) (string, error) {
	if !c.Enabled() {
		return rawJSON, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(rawJSON), nil)
	env := encEnvelope{
		Enc: base64.StdEncoding.EncodeToString(sealed),
		Alg: encAlg,
		V:   encVersion,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("store: marshal ciphertext: %w", err)
	}
	return string(out), nil
}

// Decode reverses Encode. Plaintext rows (no envelope marker) pass through,
// so a database written before encryption was enabled stays readable.
func (c *RawCodec) Decode(stored string) (string, error) {
	if !strings.Contains(stored, `"__enc__"`) {
		return stored, nil
	}
	var env encEnvelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil || env.Enc == "" {
		return stored, nil
	}
	if !c.Enabled() {
		return "", ErrNoEncryptionKey
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Enc)
	if err != nil {
		return "", fmt.Errorf("store: decode ciphertext: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", errors.New("store: ciphertext too short")
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("store: decrypt raw_json: %w", err)
	}
	return string(plain), nil
}
