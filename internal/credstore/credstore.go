// Package credstore encrypts account credentials at rest. Bundles are
// AES-256-GCM ciphertext rendered as "iv:tag:payload" hex triples. The
// primary key comes from a per-machine source; two legacy sources are
// kept for decryption only, and any bundle that opens under a legacy
// key is re-encrypted under the primary before the call returns.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/antigravity-tools/agproxy/internal/apperr"
)

const (
	ivSize  = 16
	tagSize = 16
)

type Store struct {
	primary KeySource
	legacy  []KeySource
}

// New builds a store over the given source chain. primary is the only
// source used for encryption.
func New(primary KeySource, legacy ...KeySource) *Store {
	return &Store{primary: primary, legacy: legacy}
}

// NewDefault wires the standard chain for a data directory.
func NewDefault(dataDir string) *Store {
	return New(
		NewMachineKeySource(dataDir),
		NewKeychainKeySource(dataDir),
		NewEmbeddedKeySource(),
	)
}

// DecryptResult carries migration metadata alongside the plaintext.
// Reencrypted is non-empty when the bundle opened under a legacy source;
// the caller must rewrite storage with it.
type DecryptResult struct {
	Plaintext    []byte
	UsedFallback bool
	SourceName   string
	Reencrypted  string
}

// Encrypt seals plaintext under the primary key with a fresh IV.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	key, err := s.primary.Key()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// DecryptWithMigration opens a bundle, trying the primary key first and
// each legacy source in order. Success under a legacy source re-encrypts
// under the primary.
func (s *Store) DecryptWithMigration(bundle string) (DecryptResult, error) {
	iv, tag, ct, err := parseBundle(bundle)
	if err != nil {
		return DecryptResult{}, apperr.Wrap(apperr.CodeDataMigrationFailed, 500, "malformed credential bundle", err).
			WithHint(apperr.HintClearData)
	}

	primaryKey, err := s.primary.Key()
	if err != nil {
		return DecryptResult{}, err
	}
	if plaintext, ok := open(primaryKey, iv, tag, ct); ok {
		return DecryptResult{Plaintext: plaintext, SourceName: s.primary.Name()}, nil
	}

	for _, src := range s.legacy {
		key, err := src.Key()
		if err != nil {
			continue
		}
		plaintext, ok := open(key, iv, tag, ct)
		if !ok {
			continue
		}

		reencrypted, err := s.Encrypt(plaintext)
		if err != nil {
			return DecryptResult{}, err
		}
		return DecryptResult{
			Plaintext:    plaintext,
			UsedFallback: true,
			SourceName:   src.Name(),
			Reencrypted:  reencrypted,
		}, nil
	}

	return DecryptResult{}, apperr.New(apperr.CodeDataMigrationFailed, 500, "credential bundle decrypts under no known key").
		WithHint(apperr.HintRelogin)
}

// EncryptWith seals plaintext under an arbitrary source. Test seam for
// producing legacy bundles.
func EncryptWith(src KeySource, plaintext []byte) (string, error) {
	return New(src).Encrypt(plaintext)
}

func parseBundle(bundle string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(bundle, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("expected iv:tag:payload, got %d segments", len(parts))
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil || len(iv) != ivSize {
		return nil, nil, nil, fmt.Errorf("bad iv segment")
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("bad tag segment")
	}
	if ct, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("bad payload segment")
	}
	return iv, tag, ct, nil
}

func open(key, iv, tag, ct []byte) ([]byte, bool) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, false
	}
	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
