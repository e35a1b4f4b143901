package gousage

import (
	"context"
	"fmt"
	"sync"
)

// ResetState is the state of the monthly reset state machine
type ResetState string

const (
	// ResetStateUnknown is the state before the first check
	ResetStateUnknown ResetState = "unknown"
	// ResetStateNotDue means the last check found the billing cycle current
	ResetStateNotDue ResetState = "not_due"
	// ResetStateDue means the backend asked for a reset that has not run yet
	ResetStateDue ResetState = "due"
	// ResetStateResetting means a forced reset is in flight
	ResetStateResetting ResetState = "resetting"
)

// ResetMonitor detects a due billing-cycle reset and performs it:
// UNKNOWN -> check -> NOT_DUE | DUE -> RESETTING -> ledger refresh -> NOT_DUE.
type ResetMonitor struct {
	backend    ResetBackend
	ledger     *Ledger
	businessID string
	logger     Logger
	metrics    Metrics

	mu    sync.Mutex
	state ResetState
}

// NewResetMonitor creates a monitor for the ledger's business
func NewResetMonitor(backend ResetBackend, ledger *Ledger, logger Logger, metrics Metrics) (*ResetMonitor, error) {
	if backend == nil || ledger == nil {
		return nil, ErrBackendUnavailable
	}
	return &ResetMonitor{
		backend:    backend,
		ledger:     ledger,
		businessID: ledger.BusinessID(),
		logger:     orNoopLogger(logger),
		metrics:    orNoopMetrics(metrics),
		state:      ResetStateUnknown,
	}, nil
}

// State returns the current state
func (m *ResetMonitor) State() ResetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ResetMonitor) setState(s ResetState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// CheckDue asks the backend whether a reset is due. It changes nothing on the backend.
func (m *ResetMonitor) CheckDue(ctx context.Context) (ResetWindowState, error) {
	if m.businessID == "" {
		return ResetWindowState{ShouldReset: ResetNo}, nil
	}

	st, err := m.backend.ShouldReset(ctx, m.businessID)
	if err != nil {
		return ResetWindowState{}, fmt.Errorf("check usage reset: %w", err)
	}
	if st == nil {
		return ResetWindowState{}, fmt.Errorf("check usage reset: empty response")
	}

	if st.Due() {
		m.setState(ResetStateDue)
	} else {
		m.setState(ResetStateNotDue)
	}
	return *st, nil
}

// ForceReset triggers the backend reset and then refreshes the ledger so the
// displayed counters show the backend's post-reset values.
func (m *ResetMonitor) ForceReset(ctx context.Context) (ResetResult, error) {
	if m.businessID == "" {
		return ResetResult{}, nil
	}

	prev := m.State()
	m.setState(ResetStateResetting)

	res, err := m.backend.ForceReset(ctx, m.businessID)
	if err != nil {
		m.setState(prev)
		return ResetResult{}, fmt.Errorf("force usage reset: %w", err)
	}
	var out ResetResult
	if res != nil {
		out = *res
	}

	// The reset itself succeeded; a failed refresh only leaves stale counters.
	_, err = m.ledger.RefreshSnapshot(ctx)
	m.setState(ResetStateNotDue)
	return out, err
}

// Run performs one check-then-act cycle and reports whether a reset was attempted.
// Errors are returned to the caller and never retried.
func (m *ResetMonitor) Run(ctx context.Context) (bool, error) {
	st, err := m.CheckDue(ctx)
	if err != nil {
		m.metrics.RecordReset(false, err)
		m.logger.Warn("usage reset check failed",
			Field{"businessId", m.businessID},
			Field{"error", err.Error()},
		)
		return false, err
	}
	if !st.Due() {
		m.metrics.RecordReset(false, nil)
		m.logger.Debug("usage reset not due",
			Field{"businessId", m.businessID},
			Field{"daysUntilNextReset", st.DaysUntilNextReset},
		)
		return false, nil
	}

	res, err := m.ForceReset(ctx)
	m.metrics.RecordReset(true, err)
	if err != nil {
		m.logger.Warn("usage reset failed",
			Field{"businessId", m.businessID},
			Field{"error", err.Error()},
		)
		return true, err
	}
	m.logger.Info("usage counters reset",
		Field{"businessId", m.businessID},
		Field{"daysSinceLastReset", st.DaysSinceLastReset},
		Field{"message", res.Message},
	)
	return true, nil
}
