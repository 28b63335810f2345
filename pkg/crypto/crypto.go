// Package crypto provides symmetric encryption for envelope payloads.
//
// There is no broker or serialization library in play here, so this stage
// is built directly on crypto/aes and crypto/cipher rather than an adapter
// package: AES-GCM is the standard library's own authenticated cipher and
// nothing in the broader stack wraps it more conveniently.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/silverback-go/silverback/pkg/errors"
)

// KeyResolver looks up an encryption key by its ID, supporting key rotation:
// the producer always encrypts with CurrentKeyID, consumers decrypt with
// whatever key ID the envelope's x-encryption-key-id header names.
type KeyResolver interface {
	CurrentKeyID() string
	Key(ctx context.Context, keyID string) ([]byte, error)
}

// StaticResolver resolves a fixed set of keys, useful for tests and for
// deployments that rotate keys by redeploying configuration.
type StaticResolver struct {
	current string
	keys    map[string][]byte
}

// NewStaticResolver builds a resolver from a set of 16/24/32-byte AES keys
// keyed by ID. current must be a key present in keys.
func NewStaticResolver(current string, keys map[string][]byte) (*StaticResolver, error) {
	if _, ok := keys[current]; !ok {
		return nil, errors.New(errors.CodeInvalidArgument, "current key id not present in key set: "+current, nil)
	}
	return &StaticResolver{current: current, keys: keys}, nil
}

func (r *StaticResolver) CurrentKeyID() string { return r.current }

func (r *StaticResolver) Key(_ context.Context, keyID string) ([]byte, error) {
	key, ok := r.keys[keyID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "unknown encryption key id: "+keyID, nil)
	}
	return key, nil
}

// Cipher encrypts and decrypts envelope payloads with AES-GCM.
type Cipher struct {
	resolver KeyResolver
}

func NewCipher(resolver KeyResolver) *Cipher {
	return &Cipher{resolver: resolver}
}

// Encrypt seals plaintext under the resolver's current key and returns the
// ciphertext along with the key ID used, so the caller can stamp it onto the
// envelope's x-encryption-key-id header.
func (c *Cipher) Encrypt(ctx context.Context, plaintext []byte) (ciphertext []byte, keyID string, err error) {
	keyID = c.resolver.CurrentKeyID()
	key, err := c.resolver.Key(ctx, keyID)
	if err != nil {
		return nil, "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return sealed, keyID, nil
}

// Decrypt opens ciphertext that was sealed under the named key ID.
func (c *Cipher) Decrypt(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	key, err := c.resolver.Key(ctx, keyID)
	if err != nil {
		return nil, errors.ErrDecryptionKeyNotFound(keyID, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New(errors.CodeInvalidArgument, "ciphertext shorter than nonce size", nil)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt payload")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "invalid aes key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize gcm")
	}
	return gcm, nil
}
