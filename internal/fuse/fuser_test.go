package fuse

import (
	"testing"
	"time"

	"quietfind/go-engine/pkg/models"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func loc(latE7, lonE7 int32, acc uint16, ts time.Time, kind models.SourceKind) models.DecryptedLocation {
	return models.DecryptedLocation{
		DeviceID:       "dev-1",
		LatitudeE7:     latE7,
		LongitudeE7:    lonE7,
		AccuracyMeters: acc,
		Timestamp:      ts,
		Source:         kind,
	}
}

func cand(l models.DecryptedLocation, finder byte) Candidate {
	var key [32]byte
	key[0] = finder
	return Candidate{Location: l, FinderKey: key}
}

func one(f *Fuser, now time.Time, c Candidate) models.Decision {
	return f.Evaluate("dev-1", now, []Candidate{c})[0]
}

func TestFirstFixAccepted(t *testing.T) {
	f := New(DefaultConfig())
	d := one(f, t0, cand(loc(100, 200, 30, t0, models.SourceDirectSingleSource), 1))
	if !d.Accepted {
		t.Fatalf("first fix should be accepted, got %v", d.Reason)
	}
	snap, ok := f.Snapshot("dev-1")
	if !ok || snap.Phase != PhaseStable {
		t.Fatalf("expected stable track, got %+v", snap)
	}
}

func TestStalenessBoundaryInclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StalenessThreshold = 1800 * time.Second
	f := New(cfg)

	atThreshold := one(f, t0, cand(loc(1, 1, 30, t0.Add(-1800*time.Second), models.SourceDirectSingleSource), 1))
	if !atThreshold.Accepted {
		t.Fatalf("age exactly at threshold must pass the gate, got %v", atThreshold.Reason)
	}

	g := New(cfg)
	past := one(g, t0, cand(loc(1, 1, 30, t0.Add(-1801*time.Second), models.SourceDirectSingleSource), 1))
	if past.Accepted || past.Reason != models.RejectStale {
		t.Fatalf("age past threshold must be stale, got %+v", past)
	}
}

func TestAntiBounceOscillation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MovementThresholdMeter = 50
	cfg.AnchorMinInterval = 10 * time.Minute
	cfg.ForceRefreshInterval = 5 * time.Minute
	f := New(cfg)

	if d := one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1)); !d.Accepted {
		t.Fatalf("seed fix rejected: %v", d.Reason)
	}
	anchorBefore, _ := f.Snapshot("dev-1")

	// ~22m hops around the anchor, well under the 50m threshold, one
	// report per minute for 20 minutes. Force refresh admits some of
	// them, but the anchor may move at most once per AnchorMinInterval.
	anchorMoves := 0
	prevAnchor := *anchorBefore.Anchor
	for i := 1; i <= 20; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		lat := int32(0)
		if i%2 == 0 {
			lat = 2000 // about 22 meters north
		}
		one(f, now, cand(loc(lat, 0, 30, now, models.SourceDirectSingleSource), 1))

		snap, _ := f.Snapshot("dev-1")
		if !snap.Anchor.SamePosition(prevAnchor) {
			anchorMoves++
			prevAnchor = *snap.Anchor
		}
	}
	if anchorMoves > 2 {
		t.Fatalf("anchor moved %d times in 20 minutes with a 10 minute minimum interval", anchorMoves)
	}
}

func TestInsufficientMovementLeavesStateUnchanged(t *testing.T) {
	f := New(DefaultConfig())
	one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1))
	before, _ := f.Snapshot("dev-1")

	now := t0.Add(time.Minute)
	d := one(f, now, cand(loc(100, 0, 30, now, models.SourceDirectSingleSource), 1)) // ~1m away
	if d.Accepted || d.Reason != models.RejectInsufficientMovement {
		t.Fatalf("expected insufficient movement, got %+v", d)
	}

	after, _ := f.Snapshot("dev-1")
	if !after.LastAccepted.SamePosition(*before.LastAccepted) || !after.LastAcceptedAt.Equal(before.LastAcceptedAt) {
		t.Fatal("rejection must not touch accepted state")
	}
	if after.RejectedSinceAnchor != 1 {
		t.Fatalf("rejection counter not incremented: %d", after.RejectedSinceAnchor)
	}
}

func TestReplayIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceRefreshInterval = time.Second
	cfg.StalenessThreshold = 2 * time.Hour
	f := New(cfg)

	report := loc(500, 500, 30, t0, models.SourceDirectSingleSource)
	if d := one(f, t0, cand(report, 1)); !d.Accepted {
		t.Fatalf("initial accept failed: %v", d.Reason)
	}
	before, _ := f.Snapshot("dev-1")

	// Replay long after the force-refresh interval; the duplicate guard
	// must still hold.
	later := t0.Add(time.Hour)
	d := one(f, later, cand(report, 1))
	if d.Accepted {
		t.Fatal("replay must not be accepted a second time")
	}
	after, _ := f.Snapshot("dev-1")
	if !after.LastAcceptedAt.Equal(before.LastAcceptedAt) {
		t.Fatal("replay must not change track state")
	}
}

func TestMovementAcceptsBeyondThreshold(t *testing.T) {
	f := New(DefaultConfig())
	one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1))

	now := t0.Add(time.Minute)
	// ~111m north.
	d := one(f, now, cand(loc(10000, 0, 30, now, models.SourceDirectSingleSource), 1))
	if !d.Accepted {
		t.Fatalf("movement beyond threshold rejected: %v", d.Reason)
	}
}

func TestAccuracyImprovementAccepts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAccuracyImprovement = 10
	f := New(cfg)
	one(f, t0, cand(loc(0, 0, 100, t0, models.SourceDirectSingleSource), 1))

	now := t0.Add(time.Minute)
	d := one(f, now, cand(loc(10, 10, 80, now, models.SourceDirectSingleSource), 1))
	if !d.Accepted {
		t.Fatalf("materially better accuracy rejected: %v", d.Reason)
	}

	// Improvement below the margin does not qualify.
	now = now.Add(time.Minute)
	d = one(f, now, cand(loc(20, 20, 75, now, models.SourceDirectSingleSource), 1))
	if d.Accepted {
		t.Fatal("marginal accuracy change must not bypass the movement gate")
	}
}

func TestForceRefreshAccepts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ForceRefreshInterval = 30 * time.Minute
	cfg.StalenessThreshold = 2 * time.Hour
	f := New(cfg)
	one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1))

	now := t0.Add(31 * time.Minute)
	d := one(f, now, cand(loc(5, 5, 30, now, models.SourceDirectSingleSource), 1))
	if !d.Accepted {
		t.Fatalf("stationary fix after force-refresh interval rejected: %v", d.Reason)
	}
}

func TestSourcePriorityOverridesAccuracy(t *testing.T) {
	// Scenario: an aggregated fix with much better accuracy competes
	// against an own report; priority must win.
	f := New(DefaultConfig())
	own := cand(loc(1000, 1000, 200, t0, models.SourceOwnReport), 1)
	agg := cand(loc(90000, 90000, 50, t0, models.SourceAggregatedCrowdsourced), 2)

	decisions := f.Evaluate("dev-1", t0, []Candidate{agg, own})
	if !decisions[1].Accepted {
		t.Fatalf("own report must win: %+v", decisions[1])
	}
	if decisions[0].Accepted {
		t.Fatal("aggregated candidate must not also move the track")
	}
	snap, _ := f.Snapshot("dev-1")
	if snap.LastAccepted.Source != models.SourceOwnReport {
		t.Fatalf("authoritative source is %q", snap.LastAccepted.Source)
	}
}

func TestAggregationHeldPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AggregationMinSources = 4
	f := New(cfg)

	d1 := one(f, t0, cand(loc(0, 0, 50, t0, models.SourceAggregatedCrowdsourced), 1))
	d2 := one(f, t0, cand(loc(5, 5, 50, t0, models.SourceAggregatedCrowdsourced), 2))
	if d1.Reason != models.RejectPendingAggregation || d2.Reason != models.RejectPendingAggregation {
		t.Fatalf("below minimum sources must be pending, got %v / %v", d1.Reason, d2.Reason)
	}

	snap, _ := f.Snapshot("dev-1")
	if snap.Phase != PhasePending {
		t.Fatalf("track should be pending, is %v", snap.Phase)
	}
	if snap.PendingSources != 2 {
		t.Fatalf("expected 2 pooled sources, got %d", snap.PendingSources)
	}

	// The same finder again does not add an independent source.
	d3 := one(f, t0, cand(loc(7, 7, 50, t0, models.SourceAggregatedCrowdsourced), 2))
	if d3.Reason != models.RejectPendingAggregation {
		t.Fatalf("duplicate finder must stay pending, got %v", d3.Reason)
	}

	one(f, t0, cand(loc(8, 8, 40, t0, models.SourceAggregatedCrowdsourced), 3))
	d5 := one(f, t0, cand(loc(9, 9, 45, t0, models.SourceAggregatedCrowdsourced), 4))
	if !d5.Accepted {
		t.Fatalf("fourth independent source should release the pool: %+v", d5)
	}

	snap, _ = f.Snapshot("dev-1")
	if snap.Phase != PhaseStable || snap.PendingSources != 0 {
		t.Fatalf("pool should be drained into a stable track: %+v", snap)
	}
}

func TestStalenessOutranksEligibility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContributorMode = ContributorOwnOnly
	f := New(cfg)

	// Both gates would reject; staleness is the unconditional first gate
	// and must name the reason.
	stale := loc(1, 1, 30, t0.Add(-2*time.Hour), models.SourceDirectSingleSource)
	d := one(f, t0, cand(stale, 1))
	if d.Reason != models.RejectStale {
		t.Fatalf("stale ineligible report must report stale, got %v", d.Reason)
	}
}

func TestContributorModeFiltersSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContributorMode = ContributorOwnOnly
	f := New(cfg)

	d := one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1))
	if d.Reason != models.RejectSourceIneligible {
		t.Fatalf("crowdsourced kind must be ineligible in own-only mode, got %v", d.Reason)
	}
	if d = one(f, t0, cand(loc(0, 0, 30, t0, models.SourceOwnReport), 1)); !d.Accepted {
		t.Fatalf("own report must stay eligible: %v", d.Reason)
	}
}

func TestRemoveDestroysState(t *testing.T) {
	f := New(DefaultConfig())
	one(f, t0, cand(loc(0, 0, 30, t0, models.SourceDirectSingleSource), 1))
	if f.TrackedDevices() != 1 {
		t.Fatalf("expected one tracked device, got %d", f.TrackedDevices())
	}

	f.Remove("dev-1")
	if f.TrackedDevices() != 0 {
		t.Fatal("remove must destroy track state")
	}
	if _, ok := f.Snapshot("dev-1"); ok {
		t.Fatal("snapshot after remove must miss")
	}
}
