// Package wire decodes the binary report frames handed over by the
// transport boundary into engine value types. The engine core never
// touches raw frames; only the composition layer does.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"quietfind/go-engine/pkg/models"
)

const (
	FrameVersion = 1

	flagOwnReport = 0x01

	headerLen = 1 + models.TruncatedEIDSize + 32 + 8 + 4 + 4 + 1 + 1 + 2

	// maxCiphertextLen bounds a single frame; real payloads are tens of
	// bytes plus the AEAD tag.
	maxCiphertextLen = 1024
)

var (
	ErrShortFrame     = errors.New("wire: frame too short")
	ErrBadVersion     = errors.New("wire: unsupported frame version")
	ErrBadFrameLength = errors.New("wire: frame length mismatch")
)

// DecodeReport parses one binary frame into a report value.
func DecodeReport(frame []byte) (models.EncryptedLocationReport, error) {
	var report models.EncryptedLocationReport
	if len(frame) < headerLen {
		return report, ErrShortFrame
	}
	if frame[0] != FrameVersion {
		return report, fmt.Errorf("%w: %d", ErrBadVersion, frame[0])
	}

	off := 1
	report.TruncatedEID = append([]byte(nil), frame[off:off+models.TruncatedEIDSize]...)
	off += models.TruncatedEIDSize
	copy(report.EphemeralPublicKey[:], frame[off:off+32])
	off += 32

	seconds := int64(binary.BigEndian.Uint64(frame[off : off+8]))
	off += 8
	nanos := int32(binary.BigEndian.Uint32(frame[off : off+4]))
	off += 4
	if nanos < 0 || nanos > 999_999_999 {
		return report, fmt.Errorf("%w: nanos out of range", ErrBadFrameLength)
	}
	report.Timestamp = time.Unix(seconds, int64(nanos)).UTC()

	report.AccuracyHint = math.Float32frombits(binary.BigEndian.Uint32(frame[off : off+4]))
	off += 4
	report.Status = models.RawStatus(frame[off])
	off++
	report.IsOwnReport = frame[off]&flagOwnReport != 0
	off++

	ctLen := int(binary.BigEndian.Uint16(frame[off : off+2]))
	off += 2
	if ctLen > maxCiphertextLen {
		return report, ErrBadFrameLength
	}
	if len(frame) != off+ctLen {
		return report, ErrBadFrameLength
	}
	report.Ciphertext = append([]byte(nil), frame[off:]...)
	return report, nil
}

// EncodeReport renders a report value as a binary frame.
func EncodeReport(report models.EncryptedLocationReport) ([]byte, error) {
	if len(report.TruncatedEID) != models.TruncatedEIDSize {
		return nil, fmt.Errorf("%w: truncated eid must be %d bytes", ErrBadFrameLength, models.TruncatedEIDSize)
	}
	if len(report.Ciphertext) > maxCiphertextLen {
		return nil, ErrBadFrameLength
	}

	frame := make([]byte, 0, headerLen+len(report.Ciphertext))
	frame = append(frame, FrameVersion)
	frame = append(frame, report.TruncatedEID...)
	frame = append(frame, report.EphemeralPublicKey[:]...)
	frame = binary.BigEndian.AppendUint64(frame, uint64(report.Timestamp.Unix()))
	frame = binary.BigEndian.AppendUint32(frame, uint32(report.Timestamp.Nanosecond()))
	frame = binary.BigEndian.AppendUint32(frame, math.Float32bits(report.AccuracyHint))
	frame = append(frame, byte(report.Status))
	var flags byte
	if report.IsOwnReport {
		flags |= flagOwnReport
	}
	frame = append(frame, flags)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(report.Ciphertext)))
	frame = append(frame, report.Ciphertext...)
	return frame, nil
}
