package crypto

import (
	"fmt"

	dErrors "setu/pkg/domain-errors"
)

// keyIDLen is the fixed width of a key identifier. String envelopes carry the
// id as a bare prefix, so the length must be known to the decryptor.
const keyIDLen = 2

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// ErrUnknownKey reports an envelope whose key id is not present in the ring.
// Rotating a key out of the ring makes everything written under it
// undecryptable, so callers treat this as a hard failure rather than retrying.
var ErrUnknownKey = dErrors.New(dErrors.CodeInvalidInput, "unknown encryption key id")

// KeyRing holds the versioned symmetric keys. Encryption always uses the
// current key; decryption resolves whichever key the envelope names, which is
// what allows historical data to survive rotation without re-encryption.
type KeyRing struct {
	keys      map[string][]byte
	currentID string
}

// NewKeyRing validates key shape up front so misconfiguration fails at startup
// rather than on the first encrypt.
func NewKeyRing(keys map[string][]byte, currentID string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("key ring requires at least one key")
	}
	for keyID, key := range keys {
		if len(keyID) != keyIDLen {
			return nil, fmt.Errorf("key id %q must be %d characters", keyID, keyIDLen)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %q must be %d bytes, got %d", keyID, KeySize, len(key))
		}
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("current key id %q not present in ring", currentID)
	}

	ring := make(map[string][]byte, len(keys))
	for keyID, key := range keys {
		ring[keyID] = append([]byte(nil), key...)
	}
	return &KeyRing{keys: ring, currentID: currentID}, nil
}

// Key resolves a key by id, returning ErrUnknownKey when the id has been
// rotated out or never existed.
func (r *KeyRing) Key(keyID string) ([]byte, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// CurrentKeyID returns the id new envelopes are sealed under.
func (r *KeyRing) CurrentKeyID() string { return r.currentID }

// CurrentKey returns the active encryption key.
func (r *KeyRing) CurrentKey() []byte { return r.keys[r.currentID] }

// Rotate switches the active key. The previous key stays in the ring so
// existing envelopes keep decrypting.
func (r *KeyRing) Rotate(currentID string) error {
	if _, ok := r.keys[currentID]; !ok {
		return ErrUnknownKey
	}
	r.currentID = currentID
	return nil
}
