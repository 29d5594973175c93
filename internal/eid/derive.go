// Package eid derives the rotating public identity of a tracked device and
// matches incoming report prefixes against it.
//
// Protocol v1 construction: the rotation block is the 32-byte sequence
// 0xFF*11 || K || beaconTime || 0x00*11 || K || beaconTime, where K is the
// device's rotation exponent and beaconTime is seconds since provisioning
// with the low K bits cleared. R = BLAKE2b-256 keyed with the EIK over the
// block; the private scalar is R normalized per RFC 7748 (the scalar
// reduction rule for this curve), and the EID point is X25519(r, basepoint).
// Changing any of this is a protocol version bump, not a tweak.
package eid

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	// DriftSlots is how many rotation periods on each side of the current
	// slot are derived to absorb clock drift between the device, the
	// finders, and this client.
	DriftSlots = 2

	rotationBlockSize = 32
	padLen            = 11
)

var ErrBadKeyMaterial = errors.New("eid: invalid key material")

// Window is one candidate rotation slot for a device. Windows are
// recomputed on every evaluation and never persisted across poll cycles.
type Window struct {
	DeviceID        string
	RotationCounter uint32
	Scalar          [32]byte
	Point           [32]byte
	ValidFrom       time.Time
	ValidTo         time.Time
}

// TruncatedPoint returns the prefix of the point encoding advertised over
// the air.
func (w Window) TruncatedPoint(n int) []byte {
	return append([]byte(nil), w.Point[:n]...)
}

// Derive computes the rotation scalar and public point for one beacon time
// value. beaconTime must already be truncated to the rotation period.
func Derive(eik [32]byte, exponent uint8, beaconTime uint32) (scalar, point [32]byte, err error) {
	h, err := blake2b.New256(eik[:])
	if err != nil {
		return scalar, point, err
	}
	h.Write(rotationBlock(exponent, beaconTime))
	copy(scalar[:], h.Sum(nil))

	p, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return scalar, point, ErrBadKeyMaterial
	}
	copy(point[:], p)
	return scalar, point, nil
}

// DeriveWindows produces the candidate windows for a device at the given
// wall clock: the current rotation slot plus DriftSlots on each side,
// deduplicated.
func DeriveWindows(deviceID string, eik [32]byte, exponent uint8, provisionedAt, now time.Time) ([]Window, error) {
	period := int64(1) << exponent
	elapsed := now.Unix() - provisionedAt.Unix()
	if elapsed < 0 {
		elapsed = 0
	}

	out := make([]Window, 0, 2*DriftSlots+1)
	seen := make(map[uint32]struct{}, 2*DriftSlots+1)
	for off := int64(-DriftSlots); off <= DriftSlots; off++ {
		t := elapsed + off*period
		if t < 0 {
			continue
		}
		beaconTime := truncateBeaconTime(uint32(t), exponent)
		if _, dup := seen[beaconTime]; dup {
			continue
		}
		seen[beaconTime] = struct{}{}

		scalar, point, err := Derive(eik, exponent, beaconTime)
		if err != nil {
			return nil, err
		}
		slotStart := provisionedAt.Add(time.Duration(beaconTime) * time.Second)
		out = append(out, Window{
			DeviceID:        deviceID,
			RotationCounter: beaconTime >> exponent,
			Scalar:          scalar,
			Point:           point,
			ValidFrom:       slotStart,
			ValidTo:         slotStart.Add(time.Duration(period) * time.Second),
		})
	}
	return out, nil
}

// Match compares the report's truncated identifier against each candidate
// window's point prefix. First match wins; ok is false when nothing
// matches, which is the expected outcome for reports belonging to other
// users' devices.
func Match(truncatedEID []byte, windows []Window) (Window, bool) {
	if len(truncatedEID) == 0 {
		return Window{}, false
	}
	for _, w := range windows {
		if len(truncatedEID) > len(w.Point) {
			continue
		}
		if subtle.ConstantTimeCompare(truncatedEID, w.Point[:len(truncatedEID)]) == 1 {
			return w, true
		}
	}
	return Window{}, false
}

func truncateBeaconTime(t uint32, exponent uint8) uint32 {
	return t &^ (uint32(1)<<exponent - 1)
}

func rotationBlock(exponent uint8, beaconTime uint32) []byte {
	block := make([]byte, 0, rotationBlockSize)
	block = append(block, bytes.Repeat([]byte{0xFF}, padLen)...)
	block = append(block, exponent)
	block = binary.BigEndian.AppendUint32(block, beaconTime)
	block = append(block, make([]byte, padLen)...)
	block = append(block, exponent)
	block = binary.BigEndian.AppendUint32(block, beaconTime)
	return block
}
