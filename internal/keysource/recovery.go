package keysource

import (
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidMnemonic  = errors.New("keysource: invalid mnemonic")
	ErrMnemonicRequired = errors.New("keysource: mnemonic is required")
)

const eikRecoveryInfo = "quietfind/eik-recovery/v1"

// NewRecoveryMnemonic creates a fresh BIP-39 phrase from which a device
// EIK can be re-derived on any owner device.
func NewRecoveryMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// EIKFromMnemonic deterministically derives the 32-byte EIK from a
// recovery phrase.
func EIKFromMnemonic(mnemonic string) ([32]byte, error) {
	var eik [32]byte
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return eik, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return eik, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	reader := hkdf.New(sha256.New, seed, nil, []byte(eikRecoveryInfo))
	if _, err := io.ReadFull(reader, eik[:]); err != nil {
		return eik, err
	}
	return eik, nil
}
