package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/stage"
)

// ValidateMode distinguishes auto-retried validate dispatches from
// user-initiated ones.
type ValidateMode string

const (
	ValidateAuto   ValidateMode = "auto"
	ValidateManual ValidateMode = "manual"
)

// ValidatePhase is the lifecycle phase of one validate run.
type ValidatePhase string

const (
	ValidateQueued            ValidatePhase = "queued"
	ValidateDispatched        ValidatePhase = "dispatched"
	ValidateCheckingConsensus ValidatePhase = "checking_consensus"
	ValidateCompleted         ValidatePhase = "completed"
	ValidateFailed            ValidatePhase = "failed"
	ValidateReset             ValidatePhase = "reset"
)

// Terminal reports whether the phase clears the active run.
func (p ValidatePhase) Terminal() bool {
	return p == ValidateCompleted || p == ValidateFailed || p == ValidateReset
}

// ValidateRunInfo describes one validate run attempt.
type ValidateRunInfo struct {
	RunID       string        `json:"run_id"`
	Attempt     int           `json:"attempt"`
	DedupeCount int           `json:"dedupe_count"`
	PayloadHash string        `json:"payload_hash"`
	Mode        ValidateMode  `json:"mode"`
	Phase       ValidatePhase `json:"phase"`
}

// ValidateLifecycleEvent is the telemetry record emitted on every
// transition, for later reconciliation.
type ValidateLifecycleEvent struct {
	RunID       string        `json:"run_id"`
	Phase       ValidatePhase `json:"phase"`
	Attempt     int           `json:"attempt"`
	DedupeCount int           `json:"dedupe_count"`
	PayloadHash string        `json:"payload_hash"`
	At          time.Time     `json:"at"`
}

// PayloadHash digests the dispatch identity of a validate run. Two
// dispatches with the same hash are the same logical run.
func PayloadHash(mode ValidateMode, st stage.Stage, specID, prompt string) string {
	h := sha256.New()
	for _, part := range []string{string(mode), st.Key(), specID, prompt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateLifecycle guards the Validate stage against duplicate
// in-flight dispatches. At most one run is active; duplicate begins
// against the same payload hash are collapsed.
type ValidateLifecycle struct {
	mu       sync.Mutex
	active   *ValidateRunInfo
	attempts int
	sink     func(ValidateLifecycleEvent)
}

// NewValidateLifecycle creates the state machine. sink receives every
// transition; nil discards telemetry.
func NewValidateLifecycle(sink func(ValidateLifecycleEvent)) *ValidateLifecycle {
	return &ValidateLifecycle{sink: sink}
}

// Begin starts a validate run or collapses a duplicate. The second
// return is true when the dispatch was suppressed as a duplicate of the
// active run. A begin with a different hash while a run is active is an
// error; the caller must complete or reset the active run first.
func (l *ValidateLifecycle) Begin(hash string, mode ValidateMode) (ValidateRunInfo, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		if l.active.PayloadHash == hash {
			l.active.DedupeCount++
			log.Debug().Str("run_id", l.active.RunID).Int("dedupe_count", l.active.DedupeCount).Msg("duplicate validate dispatch collapsed")
			l.emit(*l.active)
			return *l.active, true, nil
		}
		return ValidateRunInfo{}, false, fmt.Errorf("validate run %s already active with a different payload", l.active.RunID)
	}

	l.attempts++
	l.active = &ValidateRunInfo{
		RunID:       uuid.NewString(),
		Attempt:     l.attempts,
		PayloadHash: hash,
		Mode:        mode,
		Phase:       ValidateQueued,
	}
	l.emit(*l.active)
	return *l.active, false, nil
}

// MarkDispatched moves the active run from Queued to Dispatched.
func (l *ValidateLifecycle) MarkDispatched(runID string) error {
	return l.transition(runID, ValidateQueued, ValidateDispatched)
}

// MarkChecking moves the active run from Dispatched to
// CheckingConsensus.
func (l *ValidateLifecycle) MarkChecking(runID string) error {
	return l.transition(runID, ValidateDispatched, ValidateCheckingConsensus)
}

// Complete finishes the active run successfully and clears it.
func (l *ValidateLifecycle) Complete(runID string) error {
	return l.finish(runID, ValidateCompleted)
}

// Reset aborts the active run with Failed or Reset and clears it.
func (l *ValidateLifecycle) Reset(runID string, phase ValidatePhase) error {
	if phase != ValidateFailed && phase != ValidateReset {
		return fmt.Errorf("reset phase must be failed or reset, got %s", phase)
	}
	return l.finish(runID, phase)
}

// Active returns a copy of the in-flight run, if any.
func (l *ValidateLifecycle) Active() (ValidateRunInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return ValidateRunInfo{}, false
	}
	return *l.active, true
}

func (l *ValidateLifecycle) transition(runID string, from, to ValidatePhase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || l.active.RunID != runID {
		return fmt.Errorf("validate run %s is not active", runID)
	}
	if l.active.Phase != from {
		return fmt.Errorf("validate run %s is %s, expected %s", runID, l.active.Phase, from)
	}
	l.active.Phase = to
	l.emit(*l.active)
	return nil
}

func (l *ValidateLifecycle) finish(runID string, phase ValidatePhase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil || l.active.RunID != runID {
		return fmt.Errorf("validate run %s is not active", runID)
	}
	l.active.Phase = phase
	l.emit(*l.active)
	l.active = nil
	return nil
}

func (l *ValidateLifecycle) emit(info ValidateRunInfo) {
	if l.sink == nil {
		return
	}
	l.sink(ValidateLifecycleEvent{
		RunID:       info.RunID,
		Phase:       info.Phase,
		Attempt:     info.Attempt,
		DedupeCount: info.DedupeCount,
		PayloadHash: info.PayloadHash,
		At:          time.Now().UTC(),
	})
}
