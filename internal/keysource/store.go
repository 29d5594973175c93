package keysource

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	storeVersion = 1
	storePrefix  = "QFKEY1\n"
	storeSalt    = 16

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrStoreAuthFailed = errors.New("keysource: store authentication failed")
	ErrStoreInvalid    = errors.New("keysource: store payload is invalid")
)

// FileStore persists provisioned identities encrypted at rest with an
// argon2id-derived key and XChaCha20-Poly1305. When path or passphrase is
// empty the store is a no-op and identities live only in memory.
type FileStore struct {
	path       string
	passphrase string
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{
		path:       strings.TrimSpace(path),
		passphrase: strings.TrimSpace(passphrase),
	}
}

type storedIdentity struct {
	CanonicID        string    `json:"canonic_id"`
	OwnerKeyVersion  uint32    `json:"owner_key_version"`
	RotationExponent uint8     `json:"rotation_exponent"`
	EIK              []byte    `json:"eik"`
	ProvisionedAt    time.Time `json:"provisioned_at"`
}

type storePayload struct {
	Version    int              `json:"version"`
	Identities []storedIdentity `json:"identities"`
}

type storeEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Load decrypts the store and provisions every identity into the provider.
// A missing file is not an error; the store starts empty.
func (s *FileStore) Load(provider *MemoryProvider) error {
	if !s.enabled() {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	plaintext, err := s.open(raw)
	if err != nil {
		return err
	}
	var payload storePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return ErrStoreInvalid
	}
	if payload.Version != storeVersion {
		return ErrStoreInvalid
	}
	for _, item := range payload.Identities {
		if len(item.EIK) != 32 {
			return ErrStoreInvalid
		}
		identity := DeviceIdentity{
			CanonicID:        item.CanonicID,
			OwnerKeyVersion:  item.OwnerKeyVersion,
			RotationExponent: item.RotationExponent,
			ProvisionedAt:    item.ProvisionedAt,
		}
		copy(identity.EIK[:], item.EIK)
		if _, err := provider.Provision(identity); err != nil {
			return fmt.Errorf("provision %s: %w", item.CanonicID, err)
		}
	}
	return nil
}

// Save encrypts and writes the provider's current identities.
func (s *FileStore) Save(provider *MemoryProvider) error {
	if !s.enabled() {
		return nil
	}
	payload := storePayload{Version: storeVersion}
	provider.mu.RLock()
	for _, identity := range provider.identities {
		payload.Identities = append(payload.Identities, storedIdentity{
			CanonicID:        identity.CanonicID,
			OwnerKeyVersion:  identity.OwnerKeyVersion,
			RotationExponent: identity.RotationExponent,
			EIK:              append([]byte(nil), identity.EIK[:]...),
			ProvisionedAt:    identity.ProvisionedAt,
		})
	}
	provider.mu.RUnlock()

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, sealed, 0o600)
}

func (s *FileStore) enabled() bool {
	return s.path != "" && s.passphrase != ""
}

func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, storeSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := s.deriveKey(salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := storeEnvelope{
		Version:     storeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(storePrefix), raw...), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), storePrefix) {
		return nil, ErrStoreInvalid
	}
	var env storeEnvelope
	if err := json.Unmarshal(data[len(storePrefix):], &env); err != nil {
		return nil, ErrStoreInvalid
	}
	if env.Version != storeVersion || env.KDF != "argon2id" {
		return nil, ErrStoreInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrStoreInvalid
	}
	key := s.deriveKey(env.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrStoreAuthFailed
	}
	return plaintext, nil
}

func (s *FileStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey([]byte(s.passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
