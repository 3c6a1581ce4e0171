package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/antigravity-tools/agproxy/internal/apperr"
)

// KeySource yields 32 bytes of AES key material. Sources are tried in
// the order the store holds them; only the first is the primary.
type KeySource interface {
	Name() string
	Key() ([]byte, error)
}

const keyInfo = "agproxy credential key v1"

// deriveKey expands raw source material into the working AES-256 key.
func deriveKey(material []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// machineKeySource is the primary source: random key material held in a
// mode-0600 file under the data directory, created on first use.
type machineKeySource struct {
	path string
}

func NewMachineKeySource(dataDir string) KeySource {
	return &machineKeySource{path: filepath.Join(dataDir, "master.key")}
}

func (s *machineKeySource) Name() string { return "machine" }

func (s *machineKeySource) Key() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.create()
	}
	if err != nil {
		if os.IsPermission(err) {
			return nil, apperr.Wrap(apperr.CodeKeychainUnavailable, 500, "primary key unreadable", err).
				WithHint(apperr.HintKeychainDenied)
		}
		return nil, apperr.Wrap(apperr.CodeKeychainUnavailable, 500, "primary key unreadable", err).
			WithHint(apperr.HintKeychainTranslocation)
	}

	material, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(material) != 32 {
		return nil, apperr.New(apperr.CodeKeychainUnavailable, 500, "primary key corrupt").
			WithHint(apperr.HintKeychainUnsigned)
	}
	return deriveKey(material)
}

func (s *machineKeySource) create() ([]byte, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, apperr.Wrap(apperr.CodeKeychainUnavailable, 500, "primary key dir unwritable", err).
			WithHint(apperr.HintKeychainDenied)
	}
	if err := os.WriteFile(s.path, []byte(hex.EncodeToString(material)), 0o600); err != nil {
		return nil, apperr.Wrap(apperr.CodeKeychainUnavailable, 500, "primary key unwritable", err).
			WithHint(apperr.HintKeychainDenied)
	}
	return deriveKey(material)
}

// keychainKeySource reads the legacy OS keychain export that pre-1.0
// installs left behind. Read-only: never created, never rewritten.
type keychainKeySource struct {
	path string
}

func NewKeychainKeySource(dataDir string) KeySource {
	return &keychainKeySource{path: filepath.Join(dataDir, "keychain.key")}
}

func (s *keychainKeySource) Name() string { return "keychain" }

func (s *keychainKeySource) Key() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("legacy keychain entry: %w", err)
	}
	material, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(material) == 0 {
		return nil, fmt.Errorf("legacy keychain entry corrupt")
	}
	return deriveKey(material)
}

// legacyEmbeddedKeyMaterial is the static key the earliest builds
// shipped with before per-machine keys existed.
const legacyEmbeddedKeyMaterial = "antigravity-proxy-static-key-2024"

type embeddedKeySource struct{}

func NewEmbeddedKeySource() KeySource { return embeddedKeySource{} }

func (embeddedKeySource) Name() string { return "embedded" }

func (embeddedKeySource) Key() ([]byte, error) {
	return deriveKey([]byte(legacyEmbeddedKeyMaterial))
}
