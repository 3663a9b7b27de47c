// Package sealed encrypts session state at rest with age.
//
// Ciphertext is base64-encoded so it fits in the text columns of the
// sessions table. The control plane both seals and opens its own blobs,
// so a single X25519 identity serves as both recipient and identity.
package sealed

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts to and decrypts with one age identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New parses an AGE-SECRET-KEY-1... string.
func New(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, nil
}

// Generate creates a Sealer with a fresh identity.
func Generate() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, nil
}

// LoadOrCreate reads the identity from path, generating and writing a new
// one with 0600 permissions when the file does not exist.
func LoadOrCreate(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return New(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading age identity: %w", err)
	}

	s, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(s.Identity()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing age identity: %w", err)
	}
	return s, nil
}

// Identity returns the secret key string. Never log it.
func (s *Sealer) Identity() string { return s.identity.String() }

// Recipient returns the public key string.
func (s *Sealer) Recipient() string { return s.recipient.String() }

// Seal encrypts plaintext and returns base64 ciphertext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (s *Sealer) SealJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.Seal(data)
}

// OpenJSON opens ciphertext and unmarshals it into v.
func (s *Sealer) OpenJSON(ciphertext string, v any) error {
	data, err := s.Open(ciphertext)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
