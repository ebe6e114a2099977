package secrets

import (
	"encoding/json"
	"fmt"

	"github.com/figsettings/fig/pkg/models"
)

// SealValue encrypts the wire form of a setting value.
func SealValue(c *Cipher, v models.Value) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode secret value: %w", err)
	}
	defer wipe(raw)
	return c.Encrypt(raw)
}

// OpenValue decrypts a sealed setting value. The plaintext buffer is wiped
// before returning, but the returned Value holds its own copy of the
// plaintext, which cannot be wiped.
func OpenValue(c *Cipher, ciphertext string) (models.Value, error) {
	s := NewSecret(c, ciphertext)
	defer s.Clear()

	raw, err := s.Reveal()
	if err != nil {
		return models.Value{}, err
	}
	var v models.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return models.Value{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return v, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
