// Package engine runs the full report pipeline: EID matching, report
// decryption, and location grading, with per-device confinement. It
// performs no I/O; the composition layer feeds it already-fetched reports
// and an explicit key material provider.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quietfind/go-engine/internal/eid"
	"quietfind/go-engine/internal/fuse"
	"quietfind/go-engine/internal/keysource"
	"quietfind/go-engine/internal/platform/privacylog"
	"quietfind/go-engine/internal/platform/ratelimiter"
	"quietfind/go-engine/internal/reportcrypto"
	"quietfind/go-engine/pkg/models"
)

// ErrCryptoSelfTest is the only fatal condition in this module: the
// startup known-answer test of the derivation and cipher path failed,
// meaning the crypto stack is misconfigured.
var ErrCryptoSelfTest = errors.New("engine: crypto self-test failed")

// Options configure the ambient collaborators. Zero values are usable:
// logging is discarded, metrics stay unregistered, rate limiting is off.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Limiter    *ratelimiter.DeviceLimiter
	Now        func() time.Time
}

type Engine struct {
	fuser   *fuse.Fuser
	metrics *metricsSet
	logger  *slog.Logger
	limiter *ratelimiter.DeviceLimiter
	now     func() time.Time
}

func New(cfg fuse.Config, opts Options) (*Engine, error) {
	if err := cryptoSelfTest(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		fuser:   fuse.New(cfg),
		metrics: newMetricsSet(opts.Registerer),
		logger:  logger,
		limiter: opts.Limiter,
		now:     now,
	}, nil
}

// deviceBatch collects the decrypted candidates of one device along with
// the indices of the reports they came from.
type deviceBatch struct {
	candidates []fuse.Candidate
	indices    []int
}

// EvaluateBatch processes a batch of encrypted reports against the given
// candidate devices and returns one decision per report, in report order.
// Devices are graded in parallel; all transitions for a single device stay
// on one goroutine. The context is honored between device boundaries, so
// an interrupted batch leaves every device consistent.
func (e *Engine) EvaluateBatch(ctx context.Context, provider keysource.Provider, deviceIDs []string, reports []models.EncryptedLocationReport) []models.Decision {
	now := e.now()
	e.metrics.batches.Inc()
	decisions := make([]models.Decision, len(reports))

	windows, keyGap := e.deriveWindows(provider, deviceIDs, now)

	batches := make(map[string]*deviceBatch)
	for i, report := range reports {
		window, ok := eid.Match(report.TruncatedEID, windows)
		if !ok {
			// With a key gap the report may belong to the unavailable
			// device; defer it to the next cycle instead of declaring a
			// miss.
			if keyGap {
				decisions[i] = models.Reject(models.RejectKeyUnavailable)
			} else {
				decisions[i] = models.Reject(models.RejectNoMatch)
			}
			continue
		}
		if !e.limiter.Allow(window.DeviceID, now) {
			decisions[i] = models.Reject(models.RejectRateLimited)
			e.metrics.droppedReports.Inc()
			continue
		}

		payload, err := reportcrypto.Open(report, window.Scalar, window.Point)
		if err != nil {
			decisions[i] = e.decryptFailure(window.DeviceID, report, now, err)
			continue
		}
		location := reportcrypto.Resolve(window.DeviceID, report, payload)

		b, ok := batches[window.DeviceID]
		if !ok {
			b = &deviceBatch{}
			batches[window.DeviceID] = b
		}
		b.candidates = append(b.candidates, fuse.Candidate{
			Location:  location,
			FinderKey: report.EphemeralPublicKey,
		})
		b.indices = append(b.indices, i)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for deviceID, batch := range batches {
		if ctx.Err() != nil {
			// Interrupted before grading; the caller retries next cycle.
			for _, idx := range batch.indices {
				decisions[idx] = models.Reject(models.RejectDeferred)
			}
			continue
		}
		wg.Add(1)
		go func(deviceID string, batch *deviceBatch) {
			defer wg.Done()
			graded := e.fuser.Evaluate(deviceID, now, batch.candidates)
			mu.Lock()
			for j, idx := range batch.indices {
				decisions[idx] = graded[j]
			}
			mu.Unlock()
		}(deviceID, batch)
	}
	wg.Wait()

	for i := range decisions {
		e.metrics.observe(decisions[i])
	}
	e.metrics.trackedDevices.Set(float64(e.fuser.TrackedDevices()))
	return decisions
}

// RemoveDevice destroys all engine state for a device.
func (e *Engine) RemoveDevice(deviceID string) {
	e.fuser.Remove(deviceID)
	e.limiter.Forget(deviceID)
	e.metrics.trackedDevices.Set(float64(e.fuser.TrackedDevices()))
}

// Snapshot exposes one device's track state for the presentation layer.
func (e *Engine) Snapshot(deviceID string) (fuse.TrackSnapshot, bool) {
	return e.fuser.Snapshot(deviceID)
}

func (e *Engine) deriveWindows(provider keysource.Provider, deviceIDs []string, now time.Time) ([]eid.Window, bool) {
	windows := make([]eid.Window, 0, len(deviceIDs)*(2*eid.DriftSlots+1))
	keyGap := false
	for _, deviceID := range deviceIDs {
		identity, err := provider.GetIdentity(deviceID)
		if err != nil {
			keyGap = true
			e.logger.Debug("key material unavailable",
				slog.String("device_id", deviceID),
			)
			continue
		}
		derived, err := eid.DeriveWindows(identity.CanonicID, identity.EIK, identity.RotationExponent, identity.ProvisionedAt, now)
		if err != nil {
			keyGap = true
			e.logger.Warn("window derivation failed",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		windows = append(windows, derived...)
	}
	return windows, keyGap
}

func (e *Engine) decryptFailure(deviceID string, report models.EncryptedLocationReport, now time.Time, err error) models.Decision {
	age := now.Sub(report.Timestamp)
	switch {
	case errors.Is(err, reportcrypto.ErrMalformedPayload):
		// Parse failure after authentication may indicate protocol drift.
		e.logger.Warn("malformed report payload",
			slog.String("device_id", deviceID),
			slog.String("age_bucket", privacylog.AgeBucket(age)),
		)
		return models.Reject(models.RejectMalformedPayload)
	default:
		e.logger.Warn("report authentication failed",
			slog.String("device_id", deviceID),
			slog.String("age_bucket", privacylog.AgeBucket(age)),
		)
		return models.Reject(models.RejectAuthFailure)
	}
}

// selfTestPoint is the reference EID for an all-zero EIK with rotation
// exponent 10 at beacon time 0.
const selfTestPoint = "3eb82d326fe7fc86b4c19a520db80c93b230ce17d6f1d9d2507b90b434fd9807"

func cryptoSelfTest() error {
	var eik [32]byte
	scalar, point, err := eid.Derive(eik, 10, 0)
	if err != nil {
		return ErrCryptoSelfTest
	}
	if hex.EncodeToString(point[:]) != selfTestPoint {
		return ErrCryptoSelfTest
	}

	var ephemeral [32]byte
	ephemeral[0] = 1
	payload := reportcrypto.Plaintext{LatitudeE7: 1, LongitudeE7: -1, AccuracyMeters: 1}
	report, err := reportcrypto.Seal(payload, ephemeral, point, point[:models.TruncatedEIDSize])
	if err != nil {
		return ErrCryptoSelfTest
	}
	back, err := reportcrypto.Open(report, scalar, point)
	if err != nil || back != payload {
		return ErrCryptoSelfTest
	}
	return nil
}
