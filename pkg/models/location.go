package models

import (
	"math"
	"time"
)

const (
	// TruncatedEIDSize is the advertised identifier prefix length carried
	// by finder reports.
	TruncatedEIDSize = 10

	// CoordinateScale converts between degrees and the scaled integer
	// representation carried internally (degrees x 1e7).
	CoordinateScale = 1e7

	MaxLatitudeE7  = 90 * 1e7
	MaxLongitudeE7 = 180 * 1e7
)

// SourceKind identifies how a location report was produced. Higher
// priority values win when one device has several candidates in a batch.
type SourceKind string

const (
	SourceOwnReport              SourceKind = "own_report"
	SourceSemanticOverride       SourceKind = "semantic_override"
	SourceDirectSingleSource     SourceKind = "direct_single_source"
	SourceAggregatedCrowdsourced SourceKind = "aggregated_crowdsourced"
)

// Priority returns the tie-break rank of the source kind. Unknown kinds
// rank below every defined kind.
func (k SourceKind) Priority() int {
	switch k {
	case SourceOwnReport:
		return 4
	case SourceSemanticOverride:
		return 3
	case SourceDirectSingleSource:
		return 2
	case SourceAggregatedCrowdsourced:
		return 1
	default:
		return 0
	}
}

// RawStatus is the transport-level status enum carried by a report frame.
type RawStatus uint8

const (
	StatusSemantic     RawStatus = 0
	StatusLastKnown    RawStatus = 1
	StatusCrowdsourced RawStatus = 2
	StatusAggregated   RawStatus = 3
)

// SourceKindFor maps the transport status plus the own-report flag onto
// the engine's source taxonomy.
func SourceKindFor(status RawStatus, isOwnReport bool) SourceKind {
	if isOwnReport {
		return SourceOwnReport
	}
	switch status {
	case StatusSemantic:
		return SourceSemanticOverride
	case StatusLastKnown:
		return SourceDirectSingleSource
	case StatusAggregated:
		return SourceAggregatedCrowdsourced
	default:
		return SourceDirectSingleSource
	}
}

// EncryptedLocationReport is one already-fetched, still-encrypted finder
// report. Values are immutable once constructed at the transport boundary.
type EncryptedLocationReport struct {
	TruncatedEID       []byte    `json:"truncated_eid"`
	EphemeralPublicKey [32]byte  `json:"ephemeral_public_key"`
	Ciphertext         []byte    `json:"ciphertext"`
	Timestamp          time.Time `json:"timestamp"`
	AccuracyHint       float32   `json:"accuracy_hint"`
	Status             RawStatus `json:"status"`
	IsOwnReport        bool      `json:"is_own_report"`
}

// DecryptedLocation only ever exists after AEAD authentication succeeded.
// Coordinates stay in scaled-integer form; degree conversion happens at the
// output boundary.
type DecryptedLocation struct {
	DeviceID       string     `json:"device_id"`
	LatitudeE7     int32      `json:"latitude_e7"`
	LongitudeE7    int32      `json:"longitude_e7"`
	AltitudeMeters *int16     `json:"altitude_meters,omitempty"`
	AccuracyMeters uint16     `json:"accuracy_meters"`
	Timestamp      time.Time  `json:"timestamp"`
	Source         SourceKind `json:"source"`
	RawStatus      RawStatus  `json:"raw_status"`
}

func (l DecryptedLocation) LatitudeDegrees() float64 {
	return float64(l.LatitudeE7) / CoordinateScale
}

func (l DecryptedLocation) LongitudeDegrees() float64 {
	return float64(l.LongitudeE7) / CoordinateScale
}

// SamePosition reports whether two locations carry identical coordinates.
func (l DecryptedLocation) SamePosition(other DecryptedLocation) bool {
	return l.LatitudeE7 == other.LatitudeE7 && l.LongitudeE7 == other.LongitudeE7
}

// DegreesToE7 converts degrees to the scaled integer representation using
// round-half-to-even so encode/decode round trips are reproducible.
func DegreesToE7(degrees float64) int32 {
	return int32(math.RoundToEven(degrees * CoordinateScale))
}

// ValidCoordinates reports whether scaled coordinates are inside the
// geographic range.
func ValidCoordinates(latE7, lonE7 int32) bool {
	if latE7 < -MaxLatitudeE7 || latE7 > MaxLatitudeE7 {
		return false
	}
	if lonE7 < -MaxLongitudeE7 || lonE7 > MaxLongitudeE7 {
		return false
	}
	return true
}

// RejectReason classifies why a report did not become the authoritative
// location. All reasons are report-scoped and non-fatal.
type RejectReason string

const (
	RejectNoMatch              RejectReason = "no_match"
	RejectAuthFailure          RejectReason = "auth_failure"
	RejectMalformedPayload     RejectReason = "malformed_payload"
	RejectStale                RejectReason = "stale"
	RejectInsufficientMovement RejectReason = "insufficient_movement"
	RejectPendingAggregation   RejectReason = "pending_aggregation"
	RejectKeyUnavailable       RejectReason = "key_unavailable"
	RejectDeferred             RejectReason = "deferred"
	RejectSourceIneligible     RejectReason = "source_ineligible"
	RejectRateLimited          RejectReason = "rate_limited"
)

// Decision is the engine's structured verdict for one report.
type Decision struct {
	Accepted bool               `json:"accepted"`
	Location *DecryptedLocation `json:"location,omitempty"`
	Reason   RejectReason       `json:"reason,omitempty"`
}

func Accept(loc DecryptedLocation) Decision {
	return Decision{Accepted: true, Location: &loc}
}

func Reject(reason RejectReason) Decision {
	return Decision{Reason: reason}
}
