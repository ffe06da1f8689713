// Package secrets seals sensitive configuration values, such as the gateway
// bearer token, with an age X25519 key kept next to the config.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/errs"
)

const (
	sealedPrefix = "ENC[age:"
	sealedSuffix = "]"
)

// KeyPath returns the default age key file path: $OVERSEER_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.OverseerPath(), ".age-key")
}

// Sealer encrypts and decrypts ENC[age:...] values with one identity.
type Sealer struct {
	identity *age.X25519Identity
}

// EnsureSealer loads the identity at path, generating it first when missing.
func EnsureSealer(path string) (*Sealer, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := generateIdentity(path); err != nil {
			return nil, err
		}
	}
	return OpenSealer(path)
}

// OpenSealer loads an existing identity.
func OpenSealer(path string) (*Sealer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}

	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return &Sealer{identity: id}, nil
}

func generateIdentity(path string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by overseer\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// Recipient returns the public key values are sealed to.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext into an ENC[age:...] value.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealedSuffix, nil
}

// Open decrypts an ENC[age:...] value.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return "", fmt.Errorf("open secret: not a sealed value: %w", errs.ErrInvalid)
	}

	encoded := value[len(sealedPrefix) : len(value)-len(sealedSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}

	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}

// Resolve returns value unchanged unless it is sealed, in which case it is
// decrypted. A nil Sealer passes plaintext through and rejects sealed values.
func (s *Sealer) Resolve(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", fmt.Errorf("sealed value but no age key loaded: %w", errs.ErrPreconditionFailed)
	}
	return s.Open(value)
}

// IsSealed reports whether s is an ENC[age:...] value.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix) && strings.HasSuffix(s, sealedSuffix)
}
