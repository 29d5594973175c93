// Package reportcrypto opens encrypted finder reports: X25519 agreement
// against the matched rotation scalar, HKDF-SHA256 key derivation, and
// ChaCha20-Poly1305 with the truncated EID as associated data.
//
// Protocol v1 nonce construction: the 12-byte nonce is
// ephemeralPublicKey[0:6] || eidPoint[0:6]. Both sides of the exchange can
// rebuild it without extra wire bytes. Any change to the nonce layout or
// the info string is a protocol version bump.
package reportcrypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"quietfind/go-engine/pkg/models"
)

const (
	locationCipherInfo = "FMDN-Loc/v1"

	nonceWindow = 6

	flagHasAltitude = 0x01

	payloadBaseLen     = 1 + 4 + 4 + 2 + 4
	payloadAltitudeLen = payloadBaseLen + 2

	// maxTimestampOffset bounds how far a plaintext timestamp offset may
	// push a fix into the past relative to the report envelope.
	maxTimestampOffset = 7 * 24 * 3600
)

var (
	ErrAuthFailure      = errors.New("reportcrypto: authentication failed")
	ErrMalformedPayload = errors.New("reportcrypto: malformed payload")
	ErrBadEphemeralKey  = errors.New("reportcrypto: invalid ephemeral key")
)

// Plaintext is the decoded location payload in scaled-integer form.
type Plaintext struct {
	LatitudeE7      int32
	LongitudeE7     int32
	AccuracyMeters  uint16
	TimestampOffset uint32
	AltitudeMeters  *int16
}

// Open authenticates and decrypts one report using the rotation scalar of
// the matched window. Tag verification failure discards everything; no
// partial plaintext is ever returned.
func Open(report models.EncryptedLocationReport, scalar, eidPoint [32]byte) (Plaintext, error) {
	aead, nonce, err := cipherFor(scalar, report.EphemeralPublicKey, eidPoint)
	if err != nil {
		return Plaintext{}, err
	}
	plaintext, err := aead.Open(nil, nonce, report.Ciphertext, report.TruncatedEID)
	if err != nil {
		return Plaintext{}, ErrAuthFailure
	}
	return parsePlaintext(plaintext)
}

// Seal is the inverse of Open, encrypting a payload to the holder of the
// rotation scalar. Used by tests and the fixture tool; real reports are
// produced by finder devices.
func Seal(payload Plaintext, ephemeralPrivate [32]byte, eidPoint [32]byte, truncatedEID []byte) (models.EncryptedLocationReport, error) {
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate[:], curve25519.Basepoint)
	if err != nil {
		return models.EncryptedLocationReport{}, ErrBadEphemeralKey
	}
	shared, err := curve25519.X25519(ephemeralPrivate[:], eidPoint[:])
	if err != nil {
		return models.EncryptedLocationReport{}, ErrBadEphemeralKey
	}

	var ephPub [32]byte
	copy(ephPub[:], ephemeralPublic)
	aead, err := chacha20poly1305.New(deriveKey(shared))
	if err != nil {
		return models.EncryptedLocationReport{}, err
	}
	nonce := buildNonce(ephPub, eidPoint)

	raw, err := encodePlaintext(payload)
	if err != nil {
		return models.EncryptedLocationReport{}, err
	}
	return models.EncryptedLocationReport{
		TruncatedEID:       append([]byte(nil), truncatedEID...),
		EphemeralPublicKey: ephPub,
		Ciphertext:         aead.Seal(nil, nonce, raw, truncatedEID),
	}, nil
}

// Resolve applies the plaintext to the report envelope, producing the
// engine's trusted location value.
func Resolve(deviceID string, report models.EncryptedLocationReport, payload Plaintext) models.DecryptedLocation {
	ts := report.Timestamp.Add(-time.Duration(payload.TimestampOffset) * time.Second)
	return models.DecryptedLocation{
		DeviceID:       deviceID,
		LatitudeE7:     payload.LatitudeE7,
		LongitudeE7:    payload.LongitudeE7,
		AltitudeMeters: payload.AltitudeMeters,
		AccuracyMeters: payload.AccuracyMeters,
		Timestamp:      ts,
		Source:         models.SourceKindFor(report.Status, report.IsOwnReport),
		RawStatus:      report.Status,
	}
}

func cipherFor(scalar, ephemeralPublic, eidPoint [32]byte) (cipher.AEAD, []byte, error) {
	shared, err := curve25519.X25519(scalar[:], ephemeralPublic[:])
	if err != nil {
		return nil, nil, ErrBadEphemeralKey
	}
	c, err := chacha20poly1305.New(deriveKey(shared))
	if err != nil {
		return nil, nil, err
	}
	return c, buildNonce(ephemeralPublic, eidPoint), nil
}

func deriveKey(shared []byte) []byte {
	reader := hkdf.New(sha256.New, shared, nil, []byte(locationCipherInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(reader, key)
	return key
}

func buildNonce(ephemeralPublic, eidPoint [32]byte) []byte {
	nonce := make([]byte, 0, chacha20poly1305.NonceSize)
	nonce = append(nonce, ephemeralPublic[:nonceWindow]...)
	nonce = append(nonce, eidPoint[:nonceWindow]...)
	return nonce
}

func parsePlaintext(raw []byte) (Plaintext, error) {
	if len(raw) != payloadBaseLen && len(raw) != payloadAltitudeLen {
		return Plaintext{}, fmt.Errorf("%w: length %d", ErrMalformedPayload, len(raw))
	}
	flags := raw[0]
	hasAltitude := flags&flagHasAltitude != 0
	if hasAltitude && len(raw) != payloadAltitudeLen {
		return Plaintext{}, fmt.Errorf("%w: altitude flag without altitude field", ErrMalformedPayload)
	}
	if !hasAltitude && len(raw) != payloadBaseLen {
		return Plaintext{}, fmt.Errorf("%w: trailing bytes", ErrMalformedPayload)
	}

	p := Plaintext{
		LatitudeE7:      int32(binary.BigEndian.Uint32(raw[1:5])),
		LongitudeE7:     int32(binary.BigEndian.Uint32(raw[5:9])),
		AccuracyMeters:  binary.BigEndian.Uint16(raw[9:11]),
		TimestampOffset: binary.BigEndian.Uint32(raw[11:15]),
	}
	if hasAltitude {
		alt := int16(binary.BigEndian.Uint16(raw[15:17]))
		p.AltitudeMeters = &alt
	}
	if !models.ValidCoordinates(p.LatitudeE7, p.LongitudeE7) {
		return Plaintext{}, fmt.Errorf("%w: coordinates out of range", ErrMalformedPayload)
	}
	if p.AccuracyMeters == 0 {
		return Plaintext{}, fmt.Errorf("%w: zero accuracy", ErrMalformedPayload)
	}
	if p.TimestampOffset > maxTimestampOffset {
		return Plaintext{}, fmt.Errorf("%w: timestamp offset out of range", ErrMalformedPayload)
	}
	return p, nil
}

func encodePlaintext(p Plaintext) ([]byte, error) {
	if !models.ValidCoordinates(p.LatitudeE7, p.LongitudeE7) {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrMalformedPayload)
	}
	if p.AccuracyMeters == 0 {
		return nil, fmt.Errorf("%w: zero accuracy", ErrMalformedPayload)
	}
	size := payloadBaseLen
	var flags byte
	if p.AltitudeMeters != nil {
		size = payloadAltitudeLen
		flags |= flagHasAltitude
	}
	raw := make([]byte, 0, size)
	raw = append(raw, flags)
	raw = binary.BigEndian.AppendUint32(raw, uint32(p.LatitudeE7))
	raw = binary.BigEndian.AppendUint32(raw, uint32(p.LongitudeE7))
	raw = binary.BigEndian.AppendUint16(raw, p.AccuracyMeters)
	raw = binary.BigEndian.AppendUint32(raw, p.TimestampOffset)
	if p.AltitudeMeters != nil {
		raw = binary.BigEndian.AppendUint16(raw, uint16(*p.AltitudeMeters))
	}
	return raw, nil
}
