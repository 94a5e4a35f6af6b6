// Package crypto implements the envelope-encryption layer shared by both
// sides of the exchange. Every envelope is self-describing: it embeds the id
// of the key that sealed it, so decryption never depends on which key is
// currently active.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	dErrors "setu/pkg/domain-errors"
)

const nonceLen = 12

// contentTypeJSON marks structured payloads; string payloads never carry a
// content type because their envelope is a bare encoded blob.
const contentTypeJSON = "json"

// Envelope is the wire shape for an encrypted structured payload.
type Envelope struct {
	KeyID       string `json:"key_id"`
	Nonce       string `json:"nonce"`
	Ciphertext  string `json:"ciphertext"`
	ContentType string `json:"content_type"`
}

// Encryptor seals and opens envelopes under a key ring.
type Encryptor struct {
	ring *KeyRing
}

func NewEncryptor(ring *KeyRing) *Encryptor {
	return &Encryptor{ring: ring}
}

// EncryptString seals a string payload as a single encoded blob:
// base64(key_id || nonce || ciphertext).
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	aead, nonce, err := e.seal()
	if err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, keyIDLen+nonceLen+len(ciphertext))
	blob = append(blob, e.ring.CurrentKeyID()...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString opens a blob produced by EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed encrypted blob")
	}
	if len(blob) < keyIDLen+nonceLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "encrypted blob too short")
	}

	keyID := string(blob[:keyIDLen])
	nonce := blob[keyIDLen : keyIDLen+nonceLen]
	ciphertext := blob[keyIDLen+nonceLen:]

	plaintext, err := e.open(keyID, nonce, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt seals a structured payload (anything JSON-serializable) into a
// self-describing Envelope.
func (e *Encryptor) Encrypt(payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	aead, nonce, err := e.seal()
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, data, nil)

	return &Envelope{
		KeyID:       e.ring.CurrentKeyID(),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
		ContentType: contentTypeJSON,
	}, nil
}

// Decrypt opens a structured envelope and unmarshals the plaintext into out.
func (e *Encryptor) Decrypt(env *Envelope, out any) error {
	if env.ContentType != contentTypeJSON {
		return dErrors.New(dErrors.CodeInvalidInput, "unsupported envelope content type")
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed envelope nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed envelope ciphertext")
	}

	plaintext, err := e.open(env.KeyID, nonce, ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("unmarshal decrypted payload: %w", err)
	}
	return nil
}

func (e *Encryptor) seal() (cipher.AEAD, []byte, error) {
	aead, err := newAEAD(e.ring.CurrentKey())
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead, nonce, nil
}

func (e *Encryptor) open(keyID string, nonce, ciphertext []byte) ([]byte, error) {
	key, err := e.ring.Key(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Authentication failure is never silently dropped; the caller decides
		// whether the run fails or the request is flagged.
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "envelope authentication failed")
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
