package keysource

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProvisionAndGet(t *testing.T) {
	p := NewMemoryProvider()
	identity := DeviceIdentity{
		RotationExponent: 10,
		EIK:              [32]byte{1, 2, 3},
		ProvisionedAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
	id, err := p.Provision(identity)
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if !strings.HasPrefix(id, "fnd1") {
		t.Fatalf("unexpected canonic id %q", id)
	}

	got, err := p.GetIdentity(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.EIK != identity.EIK || got.RotationExponent != 10 {
		t.Fatal("identity round trip mismatch")
	}
}

func TestGetUnknownDevice(t *testing.T) {
	p := NewMemoryProvider()
	if _, err := p.GetIdentity("fnd1missing"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected key unavailable, got %v", err)
	}
}

func TestProvisionRejectsBadExponent(t *testing.T) {
	p := NewMemoryProvider()
	if _, err := p.Provision(DeviceIdentity{RotationExponent: 0}); !errors.Is(err, ErrInvalidEIK) {
		t.Fatalf("expected invalid eik, got %v", err)
	}
	if _, err := p.Provision(DeviceIdentity{RotationExponent: 30}); !errors.Is(err, ErrInvalidEIK) {
		t.Fatalf("expected invalid eik, got %v", err)
	}
}

func TestCanonicIDDeterministic(t *testing.T) {
	eik := [32]byte{9}
	a, err := CanonicID(eik)
	if err != nil {
		t.Fatalf("canonic id failed: %v", err)
	}
	b, err := CanonicID(eik)
	if err != nil {
		t.Fatalf("canonic id failed: %v", err)
	}
	if a != b {
		t.Fatal("canonic id must be deterministic")
	}

	other, err := CanonicID([32]byte{10})
	if err != nil {
		t.Fatalf("canonic id failed: %v", err)
	}
	if a == other {
		t.Fatal("different keys must not collide")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.qf")
	store := NewFileStore(path, "correct horse")

	src := NewMemoryProvider()
	id, err := src.Provision(DeviceIdentity{
		RotationExponent: 12,
		OwnerKeyVersion:  3,
		EIK:              [32]byte{4, 5, 6},
		ProvisionedAt:    time.Unix(1_700_000_000, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := store.Save(src); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dst := NewMemoryProvider()
	if err := store.Load(dst); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, err := dst.GetIdentity(id)
	if err != nil {
		t.Fatalf("get after load failed: %v", err)
	}
	if got.EIK != ([32]byte{4, 5, 6}) || got.OwnerKeyVersion != 3 {
		t.Fatal("stored identity mismatch")
	}
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.qf")
	if err := NewFileStore(path, "right").Save(NewMemoryProvider()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	err := NewFileStore(path, "wrong").Load(NewMemoryProvider())
	if !errors.Is(err, ErrStoreAuthFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.qf"), "pw")
	if err := store.Load(NewMemoryProvider()); err != nil {
		t.Fatalf("missing store must load empty: %v", err)
	}
}

func TestMnemonicRecovery(t *testing.T) {
	mnemonic, err := NewRecoveryMnemonic()
	if err != nil {
		t.Fatalf("mnemonic generation failed: %v", err)
	}
	a, err := EIKFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	b, err := EIKFromMnemonic(" " + mnemonic + " ")
	if err != nil {
		t.Fatalf("derive with whitespace failed: %v", err)
	}
	if a != b {
		t.Fatal("eik recovery must be deterministic")
	}

	if _, err := EIKFromMnemonic("not a valid phrase"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected invalid mnemonic, got %v", err)
	}
	if _, err := EIKFromMnemonic(""); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected mnemonic required, got %v", err)
	}
}
