// Package vault stores biometric templates encrypted at rest.
//
// Each template is sealed with AES-256-GCM under a single symmetric key kept
// in a 0600 key file. The random nonce is prefixed to the ciphertext and the
// result is written to its own blob file named face_<owner>_<id>.enc.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrCorrupt reports missing key material or a blob that does not decrypt.
var ErrCorrupt = errors.New("vault: corrupt template")

// Vault seals and opens template blobs in a directory.
type Vault struct {
	dir  string
	aead cipher.AEAD
	log  *zap.Logger
}

// Open loads the key from keyFile, generating one when the file is absent,
// and prepares dir for blobs.
func Open(dir, keyFile string, log *zap.Logger) (*Vault, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	key, err := loadOrCreateKey(keyFile, log)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Vault{dir: dir, aead: aead, log: log}, nil
}

// New builds a Vault around an existing key. Used by tests and tools.
func New(dir string, key []byte, log *zap.Logger) (*Vault, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCorrupt, KeySize, len(key))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Vault{dir: dir, aead: aead, log: log}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

func loadOrCreateKey(path string, log *zap.Logger) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key file %s has %d bytes, want %d", ErrCorrupt, path, len(key), KeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := writeAtomic(path, key); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	log.Info("generated new template encryption key", zap.String("path", path))
	return key, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts the output of Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrCorrupt)
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

// Save seals plaintext for ownerID and returns the new storage key.
func (v *Vault) Save(ownerID int64, plaintext []byte) (string, error) {
	sealed, err := v.Seal(plaintext)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("face_%d_%s.enc", ownerID, uuid.NewString()[:8])
	if err := writeAtomic(filepath.Join(v.dir, name), sealed); err != nil {
		return "", fmt.Errorf("save template: %w", err)
	}
	v.log.Debug("template saved", zap.Int64("owner", ownerID), zap.String("key", name))
	return name, nil
}

// Load reads and decrypts the blob stored under key.
func (v *Vault) Load(key string) ([]byte, error) {
	path, err := v.path(key)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("template %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", key, err)
	}
	plain, err := v.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", key, err)
	}
	return plain, nil
}

// Delete removes the blob stored under key. A missing blob is not an error.
func (v *Vault) Delete(key string) error {
	path, err := v.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete template %s: %w", key, err)
	}
	return nil
}

func (v *Vault) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("%w: invalid storage key %q", ErrCorrupt, key)
	}
	return filepath.Join(v.dir, key), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
