package gousage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	flightSnapshot = "snapshot"
	flightLimits   = "limits"
)

// LedgerConfig holds ledger configuration
type LedgerConfig struct {
	// BusinessID scopes every fetch. Empty means "not logged in yet":
	// refreshes are silent no-ops.
	BusinessID string

	// Limits are the initial plan limits. RefreshLimits replaces them.
	Limits PlanLimits

	// CoalesceRequests shares one in-flight fetch between concurrent callers.
	// Off by default: every caller issues its own request.
	CoalesceRequests bool

	// Store persists the last-known-good snapshot (default: NoopStore)
	Store SnapshotStore

	// Now returns the current time, used when the backend omits asOf (default: time.Now)
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// Ledger holds the authoritative usage snapshot plus transient optimistic
// adjustments, and answers limit checks against the displayed values.
type Ledger struct {
	backend UsageBackend
	config  LedgerConfig
	logger  Logger
	metrics Metrics

	mu            sync.RWMutex
	snapshot      UsageSnapshot
	authoritative bool
	limits        PlanLimits
	adjustments   map[Metric]int64
	epochs        map[Metric]uint64
	disposed      bool

	flight singleflight.Group
}

// NewLedger creates a ledger for one business
func NewLedger(backend UsageBackend, config LedgerConfig) (*Ledger, error) {
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	if err := config.Limits.Validate(); err != nil {
		return nil, err
	}
	if config.Store == nil {
		config.Store = NoopStore{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Ledger{
		backend:     backend,
		config:      config,
		logger:      orNoopLogger(config.Logger),
		metrics:     orNoopMetrics(config.Metrics),
		limits:      config.Limits,
		adjustments: make(map[Metric]int64),
		epochs:      make(map[Metric]uint64),
	}, nil
}

// BusinessID returns the business the ledger tracks
func (l *Ledger) BusinessID() string {
	return l.config.BusinessID
}

// Snapshot returns the last fetched authoritative values
func (l *Ledger) Snapshot() UsageSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Limits returns the current plan limits
func (l *Ledger) Limits() PlanLimits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// SetLimits replaces the plan limits
func (l *Ledger) SetLimits(limits PlanLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	return nil
}

// Seed installs a stored snapshot for display until the first authoritative
// fetch. It is ignored once an authoritative snapshot has been stored.
func (l *Ledger) Seed(snapshot UsageSnapshot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.authoritative || l.disposed {
		return false
	}
	l.snapshot = snapshot
	return true
}

// RefreshSnapshot fetches the authoritative usage and replaces the stored
// snapshot. Pending adjustments for the metrics carried by the response are
// discarded. On failure the previous snapshot and adjustments are kept.
func (l *Ledger) RefreshSnapshot(ctx context.Context) (UsageSnapshot, error) {
	if l.isDisposed() {
		return UsageSnapshot{}, ErrDisposed
	}
	if l.config.BusinessID == "" {
		l.logger.Debug("skipping usage refresh: no business")
		return l.Snapshot(), nil
	}

	fetch := func() (interface{}, error) {
		return l.fetchSnapshot(ctx)
	}

	var (
		v   interface{}
		err error
	)
	if l.config.CoalesceRequests {
		v, err, _ = l.flight.Do(flightSnapshot, fetch)
	} else {
		v, err = fetch()
	}
	if err != nil {
		return l.Snapshot(), err
	}

	snap, _ := v.(UsageSnapshot)
	return snap, nil
}

func (l *Ledger) fetchSnapshot(ctx context.Context) (UsageSnapshot, error) {
	start := time.Now()
	fetched, err := l.backend.FetchUsageMetrics(ctx, l.config.BusinessID)
	if err == nil && fetched == nil {
		err = fmt.Errorf("empty usage response")
	}
	l.metrics.RecordSnapshotRefresh(time.Since(start), err)
	if err != nil {
		l.logger.Warn("usage refresh failed",
			Field{"businessId", l.config.BusinessID},
			Field{"error", err.Error()},
		)
		return UsageSnapshot{}, fmt.Errorf("refresh usage snapshot: %w", err)
	}

	snap := *fetched
	if snap.AsOf.IsZero() {
		snap.AsOf = l.config.Now().UTC()
	}

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return UsageSnapshot{}, ErrDisposed
	}
	l.snapshot = snap
	l.authoritative = true
	for _, m := range AllMetrics {
		if snap.Includes(m) {
			delete(l.adjustments, m)
			l.epochs[m]++
		}
	}
	l.mu.Unlock()

	if err := l.config.Store.SaveSnapshot(ctx, l.config.BusinessID, snap); err != nil {
		l.logger.Warn("persisting usage snapshot failed",
			Field{"businessId", l.config.BusinessID},
			Field{"error", err.Error()},
		)
	}

	l.logger.Debug("usage snapshot refreshed",
		Field{"businessId", l.config.BusinessID},
		Field{"conversations", snap.ConversationsCount},
		Field{"experts", snap.ExpertsCount},
		Field{"departments", snap.DepartmentsCount},
		Field{"projects", snap.ProjectsCount},
	)
	return snap, nil
}

// RefreshLimits fetches the plan limits of the business
func (l *Ledger) RefreshLimits(ctx context.Context) (PlanLimits, error) {
	if l.isDisposed() {
		return PlanLimits{}, ErrDisposed
	}
	if l.config.BusinessID == "" {
		return l.Limits(), nil
	}

	fetch := func() (interface{}, error) {
		limits, err := l.backend.FetchPlanLimits(ctx, l.config.BusinessID)
		if err != nil {
			return nil, fmt.Errorf("refresh plan limits: %w", err)
		}
		if limits == nil {
			return nil, fmt.Errorf("refresh plan limits: empty response")
		}
		if err := l.SetLimits(*limits); err != nil {
			return nil, fmt.Errorf("refresh plan limits: %w", err)
		}
		return *limits, nil
	}

	var (
		v   interface{}
		err error
	)
	if l.config.CoalesceRequests {
		v, err, _ = l.flight.Do(flightLimits, fetch)
	} else {
		v, err = fetch()
	}
	if err != nil {
		l.logger.Warn("plan limits refresh failed",
			Field{"businessId", l.config.BusinessID},
			Field{"error", err.Error()},
		)
		return l.Limits(), err
	}
	limits, _ := v.(PlanLimits)
	return limits, nil
}

// Adjustment identifies one optimistic change so that it can be retracted
// while it is still pending
type Adjustment struct {
	Metric Metric
	Delta  int64

	epoch uint64
}

// ApplyOptimistic records a local change to a metric before the backend
// confirms it. Adjustments for the same metric accumulate; the ledger does not
// deduplicate repeated calls for one logical mutation.
func (l *Ledger) ApplyOptimistic(m Metric, delta int64) Adjustment {
	if !m.Valid() || delta == 0 {
		return Adjustment{}
	}
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return Adjustment{}
	}
	adj := l.applyLocked(m, delta)
	l.mu.Unlock()

	l.metrics.RecordOptimisticAdjustment(string(m), delta)
	return adj
}

func (l *Ledger) applyLocked(m Metric, delta int64) Adjustment {
	l.adjustments[m] += delta
	if l.adjustments[m] == 0 {
		delete(l.adjustments, m)
	}
	return Adjustment{Metric: m, Delta: delta, epoch: l.epochs[m]}
}

// Retract undoes an adjustment of a mutation that failed. It does nothing
// once a snapshot carrying the metric has been stored after the adjustment was
// applied, since that snapshot already dropped it.
func (l *Ledger) Retract(adj Adjustment) bool {
	if !adj.Metric.Valid() || adj.Delta == 0 {
		return false
	}
	l.mu.Lock()
	if l.disposed || l.epochs[adj.Metric] != adj.epoch {
		l.mu.Unlock()
		return false
	}
	l.applyLocked(adj.Metric, -adj.Delta)
	l.mu.Unlock()

	l.metrics.RecordOptimisticAdjustment(string(adj.Metric), -adj.Delta)
	return true
}

// Reserve checks that delta more units fit the plan and applies delta as an
// optimistic adjustment under the same lock, so concurrent callers cannot both
// take the last free unit. Zero and negative deltas are never refused.
func (l *Ledger) Reserve(m Metric, delta int64, opts ...CheckOption) (CheckResult, Adjustment) {
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !m.Valid() {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("unknown usage metric %q", m)}, Adjustment{}
	}

	var adj Adjustment
	l.mu.Lock()
	current := l.currentLocked(m)
	limit := l.limitLocked(m, o)
	res := CheckResult{Current: current, Limit: limit, Allowed: delta <= 0 || fits(current, delta, limit)}
	if res.Allowed && delta != 0 && !l.disposed {
		adj = l.applyLocked(m, delta)
	}
	l.mu.Unlock()

	if !res.Allowed {
		res.Reason = limitReason(m, current, limit)
	}
	if delta > 0 {
		l.metrics.RecordOperationCheck(string(m), res.Allowed)
	}
	if adj.Delta != 0 {
		l.metrics.RecordOptimisticAdjustment(string(m), delta)
	}
	return res, adj
}

// fits reports whether delta more units stay within limit
func fits(current, delta, limit int64) bool {
	return limit == Unlimited || current <= limit-delta
}

// Pending returns the outstanding optimistic adjustment of a metric
func (l *Ledger) Pending(m Metric) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.adjustments[m]
}

// Current returns the displayed value of a metric: snapshot plus pending
// adjustment, never below zero.
func (l *Ledger) Current(m Metric) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentLocked(m)
}

func (l *Ledger) currentLocked(m Metric) int64 {
	v := l.snapshot.Count(m) + l.adjustments[m]
	if v < 0 {
		return 0
	}
	return v
}

func (l *Ledger) limitLocked(m Metric, opts checkOptions) int64 {
	departments := l.currentLocked(MetricDepartments)
	if opts.hasDepartments {
		departments = opts.departments
	}
	return l.limits.Limit(m, departments)
}

// CheckOperationAllowed reports whether one more unit of the metric fits the plan
func (l *Ledger) CheckOperationAllowed(m Metric, opts ...CheckOption) CheckResult {
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !m.Valid() {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("unknown usage metric %q", m)}
	}

	l.mu.RLock()
	current := l.currentLocked(m)
	limit := l.limitLocked(m, o)
	l.mu.RUnlock()

	res := CheckResult{Current: current, Limit: limit, Allowed: fits(current, 1, limit)}
	if !res.Allowed {
		res.Reason = limitReason(m, current, limit)
	}
	l.metrics.RecordOperationCheck(string(m), res.Allowed)
	return res
}

func limitReason(m Metric, current, limit int64) string {
	return fmt.Sprintf("You have reached the %s limit of your plan (%d/%d). Upgrade your plan to add more %s.",
		singular(m), current, limit, m)
}

func singular(m Metric) string {
	s := string(m)
	if len(s) > 1 && s[len(s)-1] == 's' {
		return s[:len(s)-1]
	}
	return s
}

// IsUnlimited reports whether the plan puts no cap on the metric
func (l *Ledger) IsUnlimited(m Metric) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return m.Valid() && l.limitLocked(m, checkOptions{}) == Unlimited
}

// Remaining returns how many more units fit under the limit
func (l *Ledger) Remaining(m Metric) Remaining {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := l.limitLocked(m, checkOptions{})
	if limit == Unlimited {
		return Remaining{Unlimited: true}
	}
	left := limit - l.currentLocked(m)
	if left < 0 {
		left = 0
	}
	return Remaining{Count: left}
}

// UsagePercentage returns the displayed usage as a percentage of the limit,
// clamped to [0, 100]. Unlimited metrics report 0.
func (l *Ledger) UsagePercentage(m Metric) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := l.limitLocked(m, checkOptions{})
	current := l.currentLocked(m)
	switch {
	case limit == Unlimited:
		return 0
	case limit == 0:
		if current > 0 {
			return 100
		}
		return 0
	}
	return math.Min(100, float64(current)*100/float64(limit))
}

// Dispose releases the ledger. Later refreshes fail with ErrDisposed and
// in-flight results are discarded.
func (l *Ledger) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disposed = true
	l.adjustments = make(map[Metric]int64)
}

func (l *Ledger) isDisposed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.disposed
}
