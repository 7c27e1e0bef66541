// Package health implements per-engine and per-domain circuit breakers
// backed by exponentially-weighted statistics.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/metrics"
)

// Long-window smoothing runs a tenth of the short-window factor so the long
// rate survives brief outages.
const longAlphaDivisor = 10

// Neutral priors for never-observed entities. Zero would unfairly bury a new
// engine in weight calculations.
const (
	neutralSuccessRate = 0.5
	neutralLatencyMs   = 1000
)

// Config controls breaker thresholds and EMA smoothing.
type Config struct {
	Alpha            float64
	FailureThreshold int
	Cooldown         time.Duration
	Weights          map[string]float64
	DailyQuotas      map[string]int64
}

// Tracker maintains an in-memory, write-through mirror of health records.
// Every mutation is persisted before it is considered committed; the mirror
// is rebuilt from the store at startup, never the other way around.
type Tracker struct {
	cfg    Config
	store  coordinator.HealthStore
	clock  coordinator.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[entityKey]*entry
}

type entityKey struct {
	kind coordinator.EntityKind
	name string
}

type entry struct {
	mu        sync.Mutex
	rec       coordinator.HealthRecord
	quotaDay  string
	quotaUsed int64
}

// New constructs a Tracker. Call Load before use to rebuild persisted state.
func New(cfg Config, store coordinator.HealthStore, clock coordinator.Clock, logger *zap.Logger) *Tracker {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Tracker{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		logger:  logger,
		entries: make(map[entityKey]*entry),
	}
}

// Load rebuilds the in-memory mirror from the store.
func (t *Tracker) Load(ctx context.Context) error {
	recs, err := t.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load health records: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		t.entries[entityKey{kind: rec.Kind, name: rec.Name}] = &entry{rec: rec}
	}
	t.logger.Info("health mirror rebuilt", zap.Int("entities", len(recs)))
	return nil
}

// Ensure registers an entity with neutral priors if it is not yet tracked.
func (t *Tracker) Ensure(ctx context.Context, kind coordinator.EntityKind, name string) error {
	e := t.entry(kind, name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.UpdatedAt.IsZero() {
		return nil
	}
	rec := e.rec
	rec.UpdatedAt = t.clock.Now()
	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	e.rec = rec
	return nil
}

// RecordRequest folds one observation into the entity's EMAs and advances
// the breaker. The full record is persisted before the in-memory mirror is
// updated.
func (t *Tracker) RecordRequest(
	ctx context.Context,
	kind coordinator.EntityKind,
	name string,
	obs coordinator.Observation,
) error {
	if name == "" {
		return fmt.Errorf("%w: entity name is empty", coordinator.ErrValidation)
	}
	e := t.entry(kind, name)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.clock.Now()
	rec := e.rec

	// A failure observed after the cooldown elapsed is a half-open failure,
	// not a closed one, so resolve the lazy transition first.
	rec.State = effectiveState(rec, now)

	sample := 0.0
	if obs.Success {
		sample = 1.0
	}
	rec.SuccessRateShort = ema(t.cfg.Alpha, sample, rec.SuccessRateShort)
	rec.SuccessRateLong = ema(t.cfg.Alpha/longAlphaDivisor, sample, rec.SuccessRateLong)

	challengeSample := 0.0
	if obs.IsChallenge {
		challengeSample = 1.0
	}
	rec.ChallengeRate = ema(t.cfg.Alpha, challengeSample, rec.ChallengeRate)

	if obs.LatencyMs > 0 {
		rec.LatencyMs = ema(t.cfg.Alpha, obs.LatencyMs, rec.LatencyMs)
		metrics.ObserveRequestLatency(string(kind), name, time.Duration(obs.LatencyMs)*time.Millisecond)
	}

	rec.TotalRequests++
	if obs.Success {
		rec.TotalSuccesses++
	} else {
		rec.TotalFailures++
	}
	if obs.IsChallenge {
		rec.TotalChallenges++
	}

	prevState := rec.State
	if obs.Success {
		rec.ConsecutiveFailures = 0
		rec.State = coordinator.BreakerClosed
		rec.CooldownUntil = nil
	} else {
		rec.ConsecutiveFailures++
		tripped := rec.State == coordinator.BreakerHalfOpen ||
			rec.ConsecutiveFailures >= t.cfg.FailureThreshold
		if tripped {
			until := now.Add(t.cfg.Cooldown)
			rec.State = coordinator.BreakerOpen
			rec.CooldownUntil = &until
		}
	}
	rec.UpdatedAt = now

	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	e.rec = rec

	day := now.Format("2006-01-02")
	if e.quotaDay != day {
		e.quotaDay = day
		e.quotaUsed = 0
	}
	e.quotaUsed++

	if rec.State != prevState {
		metrics.ObserveBreakerTransition(string(kind), string(rec.State))
		t.logger.Info("breaker transition",
			zap.String("kind", string(kind)),
			zap.String("name", name),
			zap.String("from", string(prevState)),
			zap.String("to", string(rec.State)),
		)
	}
	metrics.SetBreakerState(string(kind), name, stateGauge(rec.State))
	return nil
}

// ForceClose unconditionally closes an entity's breaker. Used by intervention
// resolution to restore an engine blocked purely by a now-resolved challenge.
func (t *Tracker) ForceClose(ctx context.Context, kind coordinator.EntityKind, name string) error {
	e := t.entry(kind, name)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.rec
	rec.State = coordinator.BreakerClosed
	rec.ConsecutiveFailures = 0
	rec.CooldownUntil = nil
	rec.UpdatedAt = t.clock.Now()
	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	e.rec = rec
	metrics.ObserveBreakerTransition(string(kind), string(coordinator.BreakerClosed))
	metrics.SetBreakerState(string(kind), name, stateGauge(rec.State))
	t.logger.Info("breaker force-closed", zap.String("kind", string(kind)), zap.String("name", name))
	return nil
}

// Snapshot returns the current record for one entity with the lazy
// open-to-half-open transition applied at read time.
func (t *Tracker) Snapshot(kind coordinator.EntityKind, name string) (coordinator.HealthRecord, bool) {
	t.mu.Lock()
	e, ok := t.entries[entityKey{kind: kind, name: name}]
	t.mu.Unlock()
	if !ok {
		return coordinator.HealthRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec
	rec.State = effectiveState(rec, t.clock.Now())
	return rec, true
}

// List returns all tracked records ordered by kind then name.
func (t *Tracker) List() []coordinator.HealthRecord {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	now := t.clock.Now()
	out := make([]coordinator.HealthRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		rec.State = effectiveState(rec, now)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SelectEligible returns entities of the given kind whose breaker is not
// open and whose daily quota is not exhausted, ordered by configured weight
// descending. Open entities whose cooldown elapsed surface as half-open and
// remain eligible as probes.
func (t *Tracker) SelectEligible(kind coordinator.EntityKind) []coordinator.HealthRecord {
	t.mu.Lock()
	candidates := make(map[string]*entry, len(t.entries))
	for k, e := range t.entries {
		if k.kind == kind {
			candidates[k.name] = e
		}
	}
	t.mu.Unlock()

	now := t.clock.Now()
	day := now.Format("2006-01-02")
	out := make([]coordinator.HealthRecord, 0, len(candidates))
	for name, e := range candidates {
		e.mu.Lock()
		rec := e.rec
		used := e.quotaUsed
		if e.quotaDay != day {
			used = 0
		}
		e.mu.Unlock()

		rec.State = effectiveState(rec, now)
		if rec.State == coordinator.BreakerOpen {
			continue
		}
		if quota, ok := t.cfg.DailyQuotas[name]; ok && quota > 0 && used >= quota {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := t.weight(out[i].Name), t.weight(out[j].Name)
		if wi != wj {
			return wi > wj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (t *Tracker) weight(name string) float64 {
	if w, ok := t.cfg.Weights[name]; ok && w > 0 {
		return w
	}
	return 1.0
}

func (t *Tracker) entry(kind coordinator.EntityKind, name string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := entityKey{kind: kind, name: name}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{rec: coordinator.HealthRecord{
			Kind:             kind,
			Name:             name,
			SuccessRateShort: neutralSuccessRate,
			SuccessRateLong:  neutralSuccessRate,
			LatencyMs:        neutralLatencyMs,
			State:            coordinator.BreakerClosed,
		}}
		t.entries[k] = e
	}
	return e
}

// effectiveState resolves the lazy open-to-half-open transition; the breaker
// state is a pure function of the record and the clock, no background tick.
func effectiveState(rec coordinator.HealthRecord, now time.Time) coordinator.BreakerState {
	if rec.State == coordinator.BreakerOpen && rec.CooldownUntil != nil && !now.Before(*rec.CooldownUntil) {
		return coordinator.BreakerHalfOpen
	}
	return rec.State
}

func ema(alpha, sample, old float64) float64 {
	return alpha*sample + (1-alpha)*old
}

func stateGauge(s coordinator.BreakerState) float64 {
	switch s {
	case coordinator.BreakerHalfOpen:
		return 1
	case coordinator.BreakerOpen:
		return 2
	default:
		return 0
	}
}
