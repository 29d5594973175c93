// eid-vectorgen prints the candidate EID windows a device advertises
// around a given wall clock. Useful for wiring test fixtures and for
// checking that a report frame should have matched.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"quietfind/go-engine/internal/eid"
	"quietfind/go-engine/internal/keysource"
	"quietfind/go-engine/pkg/models"
)

type windowOut struct {
	DeviceID        string    `json:"device_id"`
	RotationCounter uint32    `json:"rotation_counter"`
	Point           string    `json:"point"`
	TruncatedEID    string    `json:"truncated_eid"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
}

func main() {
	eikHex := flag.String("eik", "", "32-byte EIK as hex (required unless -mnemonic)")
	mnemonic := flag.String("mnemonic", "", "BIP-39 recovery phrase to derive the EIK from")
	exponent := flag.Uint("exponent", 10, "rotation exponent K (period = 2^K seconds)")
	provisionedAt := flag.String("provisioned-at", "", "provisioning time, RFC 3339 (default: 1h ago)")
	at := flag.String("at", "", "evaluation time, RFC 3339 (default: now)")
	flag.Parse()

	eik, err := resolveEIK(*eikHex, *mnemonic)
	if err != nil {
		fail(err)
	}
	provisioned := time.Now().Add(-time.Hour).UTC()
	if *provisionedAt != "" {
		provisioned, err = time.Parse(time.RFC3339, *provisionedAt)
		if err != nil {
			fail(fmt.Errorf("bad -provisioned-at: %w", err))
		}
	}
	now := time.Now().UTC()
	if *at != "" {
		now, err = time.Parse(time.RFC3339, *at)
		if err != nil {
			fail(fmt.Errorf("bad -at: %w", err))
		}
	}

	deviceID, err := keysource.CanonicID(eik)
	if err != nil {
		fail(err)
	}
	windows, err := eid.DeriveWindows(deviceID, eik, uint8(*exponent), provisioned, now)
	if err != nil {
		fail(err)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	for _, w := range windows {
		if err := out.Encode(windowOut{
			DeviceID:        w.DeviceID,
			RotationCounter: w.RotationCounter,
			Point:           hex.EncodeToString(w.Point[:]),
			TruncatedEID:    hex.EncodeToString(w.TruncatedPoint(models.TruncatedEIDSize)),
			ValidFrom:       w.ValidFrom.UTC(),
			ValidTo:         w.ValidTo.UTC(),
		}); err != nil {
			fail(err)
		}
	}
}

func resolveEIK(eikHex, mnemonic string) ([32]byte, error) {
	var eik [32]byte
	if mnemonic != "" {
		return keysource.EIKFromMnemonic(mnemonic)
	}
	raw, err := hex.DecodeString(eikHex)
	if err != nil || len(raw) != 32 {
		return eik, fmt.Errorf("-eik must be 64 hex chars")
	}
	copy(eik[:], raw)
	return eik, nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "eid-vectorgen:", err)
	os.Exit(1)
}
