package eid

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"
)

// Reference vectors for an all-zero EIK with rotation exponent 10.
const (
	refPointT0    = "3eb82d326fe7fc86b4c19a520db80c93b230ce17d6f1d9d2507b90b434fd9807"
	refPointT2048 = "43720a902d03363c5188cf9a82a4d4e89bf95a01e441e9d75007895db0c4b630"
)

func TestDeriveReferenceVector(t *testing.T) {
	var eik [32]byte
	_, point, err := Derive(eik, 10, 0)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if got := hex.EncodeToString(point[:]); got != refPointT0 {
		t.Fatalf("eid point mismatch: got %s want %s", got, refPointT0)
	}

	_, point2, err := Derive(eik, 10, 2048)
	if err != nil {
		t.Fatalf("derive t=2048 failed: %v", err)
	}
	if got := hex.EncodeToString(point2[:]); got != refPointT2048 {
		t.Fatalf("eid point t=2048 mismatch: got %s want %s", got, refPointT2048)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	eik := [32]byte{1, 2, 3}
	s1, p1, err := Derive(eik, 12, 4096)
	if err != nil {
		t.Fatalf("derive 1 failed: %v", err)
	}
	s2, p2, err := Derive(eik, 12, 4096)
	if err != nil {
		t.Fatalf("derive 2 failed: %v", err)
	}
	if s1 != s2 || p1 != p2 {
		t.Fatal("derivation should be deterministic")
	}

	_, other, err := Derive(eik, 12, 8192)
	if err != nil {
		t.Fatalf("derive other slot failed: %v", err)
	}
	if other == p1 {
		t.Fatal("different slots should derive different points")
	}
}

func TestDeriveWindowsCoversDrift(t *testing.T) {
	var eik [32]byte
	provisioned := time.Unix(1_700_000_000, 0).UTC()
	now := provisioned.Add(5000 * time.Second)

	windows, err := DeriveWindows("dev", eik, 10, provisioned, now)
	if err != nil {
		t.Fatalf("derive windows failed: %v", err)
	}
	if len(windows) != 2*DriftSlots+1 {
		t.Fatalf("expected %d windows, got %d", 2*DriftSlots+1, len(windows))
	}

	counters := make(map[uint32]struct{})
	for _, w := range windows {
		counters[w.RotationCounter] = struct{}{}
		if !w.ValidTo.After(w.ValidFrom) {
			t.Fatalf("window %d has empty validity", w.RotationCounter)
		}
	}
	// elapsed 5000s at period 1024s is slot 4; drift covers 2..6.
	for counter := uint32(2); counter <= 6; counter++ {
		if _, ok := counters[counter]; !ok {
			t.Fatalf("missing rotation counter %d", counter)
		}
	}
}

func TestDeriveWindowsClampsAtProvisioning(t *testing.T) {
	var eik [32]byte
	provisioned := time.Unix(1_700_000_000, 0).UTC()

	windows, err := DeriveWindows("dev", eik, 10, provisioned, provisioned)
	if err != nil {
		t.Fatalf("derive windows failed: %v", err)
	}
	// Slots before provisioning do not exist; only the current and two
	// future drift slots remain.
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	if got := hex.EncodeToString(windows[0].Point[:]); got != refPointT0 {
		t.Fatalf("first window mismatch: %s", got)
	}
}

func TestMatchFirstWins(t *testing.T) {
	var eik [32]byte
	provisioned := time.Unix(1_700_000_000, 0).UTC()
	windows, err := DeriveWindows("dev", eik, 10, provisioned, provisioned.Add(time.Hour))
	if err != nil {
		t.Fatalf("derive windows failed: %v", err)
	}

	target := windows[1]
	w, ok := Match(target.TruncatedPoint(10), windows)
	if !ok {
		t.Fatal("expected a match")
	}
	if w.RotationCounter != target.RotationCounter {
		t.Fatalf("matched wrong window: %d != %d", w.RotationCounter, target.RotationCounter)
	}
}

func TestMatchMissReturnsFalse(t *testing.T) {
	var eik [32]byte
	provisioned := time.Unix(1_700_000_000, 0).UTC()
	windows, err := DeriveWindows("dev", eik, 10, provisioned, provisioned.Add(time.Hour))
	if err != nil {
		t.Fatalf("derive windows failed: %v", err)
	}

	unknown := bytes.Repeat([]byte{0xAB}, 10)
	if _, ok := Match(unknown, windows); ok {
		t.Fatal("foreign identifier must not match")
	}
	if _, ok := Match(nil, windows); ok {
		t.Fatal("empty identifier must not match")
	}
	if _, ok := Match(unknown, nil); ok {
		t.Fatal("no windows must not match")
	}
}
