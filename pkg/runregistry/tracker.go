package runregistry

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/pkg/clock"
)

// Tracker records run lifecycles. Persistence failures are logged, never
// returned: a refresh must not fail because its bookkeeping did.
type Tracker struct {
	store  *Store
	clock  clock.Clock
	logger *zap.Logger
}

func NewTracker(store *Store, c clock.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock.OrReal(c), logger: logger}
}

func (t *Tracker) Store() *Store { return t.store }

// Begin writes a running record for key owned by this process.
func (t *Tracker) Begin(key, trigger string) *RunRecord {
	rec := &RunRecord{
		Key:       key,
		RunID:     uuid.NewString(),
		State:     RunStateRunning,
		Trigger:   trigger,
		PID:       os.Getpid(),
		StartedAt: t.clock.Now().UTC(),
	}
	t.write(rec)
	return rec
}

// Finish records the outcome of rec.
func (t *Tracker) Finish(rec *RunRecord, err error) {
	if rec == nil {
		return
	}
	now := t.clock.Now().UTC()
	rec.EndedAt = &now
	if err != nil {
		rec.State = RunStateFailed
		rec.Error = err.Error()
	} else {
		rec.State = RunStateSuccess
		rec.Error = ""
	}
	t.write(rec)
}

// Skip records a run that found its cache fresh and did nothing.
func (t *Tracker) Skip(key, trigger string) {
	now := t.clock.Now().UTC()
	t.write(&RunRecord{
		Key:       key,
		RunID:     uuid.NewString(),
		State:     RunStateSkipped,
		Trigger:   trigger,
		StartedAt: now,
		EndedAt:   &now,
	})
}

// Last returns the latest record for key, or nil.
func (t *Tracker) Last(key string) *RunRecord {
	rec, err := t.store.Get(key)
	if err != nil {
		return nil
	}
	return rec
}

func (t *Tracker) write(rec *RunRecord) {
	if err := t.store.Write(rec); err != nil {
		t.logger.Warn("Failed to record refresh run",
			zap.String("key", rec.Key),
			zap.String("state", string(rec.State)),
			zap.Error(err))
	}
}
