// Package fuse grades decrypted location reports against per-device track
// history: staleness and anti-bounce gates, source-priority selection, and
// aggregation pooling. It is the only owner of mutable per-device state.
//
// Staleness is measured against the decrypted fix timestamp (envelope time
// minus the plaintext offset), not the report envelope time; a fresh upload
// of an old fix is still stale.
package fuse

import (
	"math"
	"sort"
	"sync"
	"time"

	"quietfind/go-engine/pkg/models"
)

// ContributorMode restricts which source kinds are eligible at all.
type ContributorMode string

const (
	ContributorAll           ContributorMode = "all"
	ContributorOwnOnly       ContributorMode = "own-only"
	ContributorNoAggregation ContributorMode = "no-aggregation"
)

// Phase is the per-device track lifecycle.
type Phase string

const (
	PhaseNoData  Phase = "no_data"
	PhasePending Phase = "pending"
	PhaseStable  Phase = "stable"
)

const earthRadiusMeters = 6371000.0

// Config carries the grading thresholds. The caller owns configuration;
// zero values fall back to defaults via Normalize.
type Config struct {
	StalenessThreshold     time.Duration
	MovementThresholdMeter float64
	MinAccuracyImprovement uint16
	ForceRefreshInterval   time.Duration
	AnchorMinInterval      time.Duration
	AggregationMinSources  int
	ContributorMode        ContributorMode
}

func DefaultConfig() Config {
	return Config{
		StalenessThreshold:     1800 * time.Second,
		MovementThresholdMeter: 50,
		MinAccuracyImprovement: 10,
		ForceRefreshInterval:   time.Hour,
		AnchorMinInterval:      5 * time.Minute,
		AggregationMinSources:  1,
		ContributorMode:        ContributorAll,
	}
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = def.StalenessThreshold
	}
	if c.MovementThresholdMeter <= 0 {
		c.MovementThresholdMeter = def.MovementThresholdMeter
	}
	if c.MinAccuracyImprovement == 0 {
		c.MinAccuracyImprovement = def.MinAccuracyImprovement
	}
	if c.ForceRefreshInterval <= 0 {
		c.ForceRefreshInterval = def.ForceRefreshInterval
	}
	if c.AnchorMinInterval <= 0 {
		c.AnchorMinInterval = def.AnchorMinInterval
	}
	if c.AggregationMinSources <= 0 {
		c.AggregationMinSources = def.AggregationMinSources
	}
	if c.ContributorMode == "" {
		c.ContributorMode = def.ContributorMode
	}
	return c
}

// Candidate is one decrypted report competing for a device in a batch.
// FinderKey distinguishes independent sources for aggregation counting.
type Candidate struct {
	Location  models.DecryptedLocation
	FinderKey [32]byte
}

// TrackSnapshot is a read-only view of one device's state.
type TrackSnapshot struct {
	DeviceID            string
	Phase               Phase
	LastAccepted        *models.DecryptedLocation
	LastAcceptedAt      time.Time
	Anchor              *models.DecryptedLocation
	AnchorUpdatedAt     time.Time
	RejectedSinceAnchor int
	PendingSources      int
}

type pendingSource struct {
	location models.DecryptedLocation
	addedAt  time.Time
}

// deviceTrack is confined to one device; its mutex serializes all state
// transitions for that device while other devices proceed in parallel.
type deviceTrack struct {
	mu                  sync.Mutex
	phase               Phase
	lastAccepted        models.DecryptedLocation
	lastAcceptedAt      time.Time
	hasAccepted         bool
	anchor              models.DecryptedLocation
	anchorUpdatedAt     time.Time
	rejectedSinceAnchor int
	pending             map[[32]byte]pendingSource
}

type Fuser struct {
	cfg Config

	mu     sync.Mutex
	tracks map[string]*deviceTrack
}

func New(cfg Config) *Fuser {
	return &Fuser{
		cfg:    cfg.Normalize(),
		tracks: make(map[string]*deviceTrack),
	}
}

// Evaluate grades all candidates for one device in one batch. Candidates
// are ranked by source priority, then recency, then accuracy, and walked
// through the gates in that order against the live state, so at most one
// candidate can move the track per batch. Decisions are returned in the
// input order.
func (f *Fuser) Evaluate(deviceID string, now time.Time, candidates []Candidate) []models.Decision {
	decisions := make([]models.Decision, len(candidates))
	if len(candidates) == 0 {
		return decisions
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rankBefore(candidates[order[a]].Location, candidates[order[b]].Location)
	})

	track := f.track(deviceID)
	track.mu.Lock()
	defer track.mu.Unlock()

	accepted := false
	for _, idx := range order {
		// Once the tie-break produced an authoritative result the rest
		// of the batch lost; they may not move the track again.
		if accepted {
			decisions[idx] = models.Reject(models.RejectInsufficientMovement)
			continue
		}
		decisions[idx] = f.grade(track, now, candidates[idx])
		accepted = decisions[idx].Accepted
	}
	return decisions
}

// Remove drops a device from tracking, destroying its state.
func (f *Fuser) Remove(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracks, deviceID)
}

// TrackedDevices returns how many devices currently hold state.
func (f *Fuser) TrackedDevices() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

// Snapshot returns a copy of one device's track state.
func (f *Fuser) Snapshot(deviceID string) (TrackSnapshot, bool) {
	f.mu.Lock()
	track, ok := f.tracks[deviceID]
	f.mu.Unlock()
	if !ok {
		return TrackSnapshot{}, false
	}

	track.mu.Lock()
	defer track.mu.Unlock()
	snap := TrackSnapshot{
		DeviceID:            deviceID,
		Phase:               track.phase,
		LastAcceptedAt:      track.lastAcceptedAt,
		AnchorUpdatedAt:     track.anchorUpdatedAt,
		RejectedSinceAnchor: track.rejectedSinceAnchor,
		PendingSources:      len(track.pending),
	}
	if track.hasAccepted {
		last := track.lastAccepted
		anchor := track.anchor
		snap.LastAccepted = &last
		snap.Anchor = &anchor
	}
	return snap, true
}

func (f *Fuser) track(deviceID string) *deviceTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	track, ok := f.tracks[deviceID]
	if !ok {
		track = &deviceTrack{
			phase:   PhaseNoData,
			pending: make(map[[32]byte]pendingSource),
		}
		f.tracks[deviceID] = track
	}
	return track
}

// grade runs one candidate through the gate sequence. The caller holds the
// device track lock.
func (f *Fuser) grade(track *deviceTrack, now time.Time, cand Candidate) models.Decision {
	loc := cand.Location

	if now.Sub(loc.Timestamp) > f.cfg.StalenessThreshold {
		return models.Reject(models.RejectStale)
	}
	if !f.sourceEligible(loc.Source) {
		return models.Reject(models.RejectSourceIneligible)
	}

	if loc.Source == models.SourceAggregatedCrowdsourced && f.cfg.AggregationMinSources > 1 {
		fused, ready := f.poolAggregated(track, now, cand)
		if !ready {
			if track.phase == PhaseNoData {
				track.phase = PhasePending
			}
			return models.Reject(models.RejectPendingAggregation)
		}
		loc = fused
	}

	// Replaying an already-accepted report must never move the track,
	// even past the force-refresh interval.
	if track.hasAccepted && loc.Timestamp.Equal(track.lastAccepted.Timestamp) && loc.SamePosition(track.lastAccepted) {
		return models.Reject(models.RejectInsufficientMovement)
	}

	if track.hasAccepted && !f.movementAllows(track, now, loc) {
		track.rejectedSinceAnchor++
		return models.Reject(models.RejectInsufficientMovement)
	}

	f.accept(track, now, loc)
	return models.Accept(loc)
}

func (f *Fuser) sourceEligible(kind models.SourceKind) bool {
	switch f.cfg.ContributorMode {
	case ContributorOwnOnly:
		return kind == models.SourceOwnReport || kind == models.SourceSemanticOverride
	case ContributorNoAggregation:
		return kind != models.SourceAggregatedCrowdsourced
	default:
		return true
	}
}

// poolAggregated collects independent crowdsourced sources until the
// configured minimum is reached, then releases the best pooled candidate.
func (f *Fuser) poolAggregated(track *deviceTrack, now time.Time, cand Candidate) (models.DecryptedLocation, bool) {
	cutoff := now.Add(-f.cfg.StalenessThreshold)
	for key, src := range track.pending {
		if src.addedAt.Before(cutoff) {
			delete(track.pending, key)
		}
	}
	track.pending[cand.FinderKey] = pendingSource{location: cand.Location, addedAt: now}
	if len(track.pending) < f.cfg.AggregationMinSources {
		return models.DecryptedLocation{}, false
	}

	best := cand.Location
	for _, src := range track.pending {
		if rankBefore(src.location, best) {
			best = src.location
		}
	}
	track.pending = make(map[[32]byte]pendingSource)
	return best, true
}

func (f *Fuser) movementAllows(track *deviceTrack, now time.Time, loc models.DecryptedLocation) bool {
	distance := haversineMeters(track.anchor, loc)
	if distance >= f.cfg.MovementThresholdMeter {
		return true
	}
	if accuracyImproves(track.anchor, loc, f.cfg.MinAccuracyImprovement) {
		return true
	}
	return now.Sub(track.lastAcceptedAt) >= f.cfg.ForceRefreshInterval
}

func (f *Fuser) accept(track *deviceTrack, now time.Time, loc models.DecryptedLocation) {
	firstFix := !track.hasAccepted
	track.lastAccepted = loc
	track.lastAcceptedAt = now
	track.hasAccepted = true
	track.phase = PhaseStable
	track.rejectedSinceAnchor = 0

	switch {
	case firstFix:
		track.anchor = loc
		track.anchorUpdatedAt = now
	case accuracyImproves(track.anchor, loc, f.cfg.MinAccuracyImprovement):
		track.anchor = loc
		track.anchorUpdatedAt = now
	case now.Sub(track.anchorUpdatedAt) >= f.cfg.AnchorMinInterval:
		track.anchor = loc
		track.anchorUpdatedAt = now
	}
}

func accuracyImproves(anchor, loc models.DecryptedLocation, margin uint16) bool {
	return int(loc.AccuracyMeters)+int(margin) <= int(anchor.AccuracyMeters)
}

// rankBefore orders candidates: source priority, then recency, then
// accuracy (smaller is more precise).
func rankBefore(a, b models.DecryptedLocation) bool {
	if pa, pb := a.Source.Priority(), b.Source.Priority(); pa != pb {
		return pa > pb
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.AccuracyMeters < b.AccuracyMeters
}

func haversineMeters(a, b models.DecryptedLocation) float64 {
	lat1 := a.LatitudeDegrees() * math.Pi / 180
	lat2 := b.LatitudeDegrees() * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.LongitudeDegrees() - a.LongitudeDegrees()) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
