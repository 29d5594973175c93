// Package keysource supplies per-device identity secrets to the engine.
// The provider is pull-only and always passed explicitly; the engine
// borrows an identity for one evaluation and never retains it.
package keysource

import (
	"crypto/sha256"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrKeyUnavailable = errors.New("keysource: key unavailable")
	ErrInvalidEIK     = errors.New("keysource: invalid eik")
)

const canonicIDInfo = "quietfind/canonic-id/v1"

// DeviceIdentity is the per-device secret bundle. The EIK never leaves
// this package except by explicit borrow through GetIdentity.
type DeviceIdentity struct {
	CanonicID        string
	OwnerKeyVersion  uint32
	RotationExponent uint8
	EIK              [32]byte
	ProvisionedAt    time.Time
}

// Provider is the pull-only key material contract. Implementations own
// all secrecy, storage, and refresh concerns.
type Provider interface {
	GetIdentity(deviceID string) (DeviceIdentity, error)
}

// MemoryProvider keeps provisioned identities in a mutex-guarded map.
type MemoryProvider struct {
	mu         sync.RWMutex
	identities map[string]DeviceIdentity
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{identities: make(map[string]DeviceIdentity)}
}

func (p *MemoryProvider) Provision(identity DeviceIdentity) (string, error) {
	if identity.RotationExponent == 0 || identity.RotationExponent > 24 {
		return "", ErrInvalidEIK
	}
	if identity.CanonicID == "" {
		id, err := CanonicID(identity.EIK)
		if err != nil {
			return "", err
		}
		identity.CanonicID = id
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[identity.CanonicID] = identity
	return identity.CanonicID, nil
}

func (p *MemoryProvider) GetIdentity(deviceID string) (DeviceIdentity, error) {
	deviceID = strings.TrimSpace(deviceID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	identity, ok := p.identities[deviceID]
	if !ok {
		return DeviceIdentity{}, ErrKeyUnavailable
	}
	return identity, nil
}

func (p *MemoryProvider) Remove(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.identities, deviceID)
}

func (p *MemoryProvider) DeviceIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.identities))
	for id := range p.identities {
		out = append(out, id)
	}
	return out
}

// CanonicID renders a stable public identifier for a device without
// exposing the EIK: a base58 fingerprint of the identity point derived
// from it.
func CanonicID(eik [32]byte) (string, error) {
	scalar := make([]byte, 32)
	reader := hkdf.New(sha256.New, eik[:], nil, []byte(canonicIDInfo))
	if _, err := io.ReadFull(reader, scalar); err != nil {
		return "", err
	}
	point, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return "", ErrInvalidEIK
	}
	sum := blake2b.Sum256(point)
	return "fnd1" + base58.Encode(sum[:16]), nil
}
