// Package migrate moves the local store's schema between versions by applying
// or reverting an ordered set of steps. Each step runs in its own transaction
// and advances the persisted schema version in that same transaction.
//
// A failing step stops the batch. Steps committed before it stay committed,
// so the store is left at the last version that succeeded.
package migrate

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/local"
	"offline-sync-service/internal/logger"
)

// Transition mutates the local store inside the step's transaction. It must
// be safe to reapply at the same version.
type Transition func(ctx context.Context, tx *local.Tx) error

type Step struct {
	Version int
	Name    string
	// Tables lists the collections this step introduces. The engine creates
	// them after Up and drops them once the schema falls below Version.
	Tables []string
	Up     Transition
	Down   Transition
}

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

type Action struct {
	Type      Direction `json:"type"`
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Progress reports one MigrateToVersion call.
type Progress struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Actions []Action `json:"actions"`
	Err     error    `json:"-"`
}

type State struct {
	SchemaVersion     int       `json:"schemaVersion"`
	LastMigrationDate time.Time `json:"lastMigrationDate"`
}

type Engine struct {
	store *local.Store
	steps []Step
	now   func() time.Time
}

// NewEngine validates steps and returns an engine over store. The steps are
// copied and sorted; later changes to the caller's slice have no effect.
func NewEngine(store *local.Store, steps []Step) (*Engine, error) {
	sorted := slices.Clone(steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	seenTables := make(map[string]int)
	for i, s := range sorted {
		if s.Version <= 0 {
			return nil, fmt.Errorf("%w: step %q has non-positive version %d", domain.ErrValidation, s.Name, s.Version)
		}
		if i > 0 && sorted[i-1].Version == s.Version {
			return nil, fmt.Errorf("%w: duplicate migration version %d", domain.ErrValidation, s.Version)
		}
		for _, t := range s.Tables {
			if !local.ValidCollectionName(t) {
				return nil, fmt.Errorf("%w: step %d introduces invalid table %q", domain.ErrValidation, s.Version, t)
			}
			if v, ok := seenTables[t]; ok {
				return nil, fmt.Errorf("%w: table %q introduced by both %d and %d", domain.ErrValidation, t, v, s.Version)
			}
			seenTables[t] = s.Version
		}
		sorted[i].Tables = slices.Clone(s.Tables)
	}

	return &Engine{store: store, steps: sorted, now: time.Now}, nil
}

// Latest is the highest known version, or 0 without steps.
func (e *Engine) Latest() int {
	if len(e.steps) == 0 {
		return 0
	}
	return e.steps[len(e.steps)-1].Version
}

// Steps returns a copy of the ordered steps.
func (e *Engine) Steps() []Step {
	return slices.Clone(e.steps)
}

// TablesAt lists the collections present at schema version v, in introduction order.
func (e *Engine) TablesAt(v int) []string {
	var out []string
	for _, s := range e.steps {
		if s.Version > v {
			break
		}
		out = append(out, s.Tables...)
	}
	return out
}

// IntroducedAt reports the version that introduces table.
func (e *Engine) IntroducedAt(table string) (int, bool) {
	for _, s := range e.steps {
		if slices.Contains(s.Tables, table) {
			return s.Version, true
		}
	}
	return 0, false
}

// ActiveTables lists the collections present at the store's current version.
func (e *Engine) ActiveTables(ctx context.Context) ([]string, error) {
	v, err := e.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	return e.TablesAt(v), nil
}

func (e *Engine) GetCurrentState(ctx context.Context) (State, error) {
	st, err := e.store.State(ctx)
	if err != nil {
		return State{}, fmt.Errorf("read schema state: %w", err)
	}
	return State{SchemaVersion: st.Version, LastMigrationDate: st.LastMigrationAt}, nil
}

func (e *Engine) known(v int) bool {
	if v == 0 {
		return true
	}
	for _, s := range e.steps {
		if s.Version == v {
			return true
		}
	}
	return false
}

// versionBelow is the highest known version strictly below v, or 0.
func (e *Engine) versionBelow(v int) int {
	below := 0
	for _, s := range e.steps {
		if s.Version >= v {
			break
		}
		below = s.Version
	}
	return below
}

// StepError is a step that failed inside its transaction. Its message is the
// step's own error; errors.Is matches both domain.ErrTransaction and the cause.
type StepError struct {
	Version   int
	Direction Direction
	Err       error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() []error {
	return []error{domain.ErrTransaction, e.Err}
}

func failed(err error, actions []Action) Progress {
	return Progress{
		Success: false,
		Message: "Migration failed: " + err.Error(),
		Actions: actions,
		Err:     err,
	}
}

// MigrateToVersion applies or reverts steps until the schema is at target.
// It holds the store's writer gate for the whole call.
func (e *Engine) MigrateToVersion(ctx context.Context, target int) Progress {
	actions := []Action{}

	release, err := e.store.Exclusive(ctx)
	if err != nil {
		return failed(err, actions)
	}
	defer release()

	current, err := e.store.SchemaVersion(ctx)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", domain.ErrTransaction, err), actions)
	}

	if target == current {
		return Progress{Success: true, Message: fmt.Sprintf("Schema already at version %d", current), Actions: actions}
	}
	if target < 0 || !e.known(target) {
		err := fmt.Errorf("%w: no such migration path from %d to %d", domain.ErrValidation, current, target)
		return failed(err, actions)
	}

	log := logger.Log.With(zap.Int("from", current), zap.Int("to", target))
	log.Info("Starting schema migration")

	if target > current {
		for _, s := range e.steps {
			if s.Version <= current || s.Version > target {
				continue
			}
			act, err := e.apply(ctx, s)
			actions = append(actions, act)
			if err != nil {
				log.Error("Migration step failed", zap.Int("version", s.Version), zap.String("name", s.Name), zap.Error(err))
				return failed(err, actions)
			}
			log.Info("Applied migration", zap.Int("version", s.Version), zap.String("name", s.Name))
		}
	} else {
		for i := len(e.steps) - 1; i >= 0; i-- {
			s := e.steps[i]
			if s.Version > current || s.Version <= target {
				continue
			}
			act, err := e.revert(ctx, s)
			actions = append(actions, act)
			if err != nil {
				log.Error("Migration rollback failed", zap.Int("version", s.Version), zap.String("name", s.Name), zap.Error(err))
				return failed(err, actions)
			}
			log.Info("Reverted migration", zap.Int("version", s.Version), zap.String("name", s.Name))
		}
	}

	return Progress{
		Success: true,
		Message: fmt.Sprintf("Migrated from version %d to %d", current, target),
		Actions: actions,
	}
}

func (e *Engine) apply(ctx context.Context, s Step) (Action, error) {
	act := Action{Type: Up, Version: s.Version, Name: s.Name}

	err := e.store.Transaction(ctx, func(tx *local.Tx) error {
		if err := run(ctx, tx, s.Up); err != nil {
			return err
		}
		for _, t := range s.Tables {
			if err := tx.CreateCollection(ctx, t); err != nil {
				return err
			}
		}
		return tx.SetSchemaVersion(ctx, s.Version)
	})
	return e.finish(act, err)
}

func (e *Engine) revert(ctx context.Context, s Step) (Action, error) {
	act := Action{Type: Down, Version: s.Version, Name: s.Name}
	next := e.versionBelow(s.Version)

	err := e.store.Transaction(ctx, func(tx *local.Tx) error {
		if err := run(ctx, tx, s.Down); err != nil {
			return err
		}
		if err := tx.SetSchemaVersion(ctx, next); err != nil {
			return err
		}
		keep := make(map[string]bool)
		for _, t := range e.TablesAt(next) {
			keep[t] = true
		}
		for _, st := range e.steps {
			if st.Version <= next {
				continue
			}
			for _, t := range st.Tables {
				if keep[t] {
					continue
				}
				if err := tx.DropCollection(ctx, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return e.finish(act, err)
}

// run calls fn, turning a panic into an error so the step's transaction
// rolls back and the batch stops like any other failure.
func run(ctx context.Context, tx *local.Tx, fn Transition) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, tx)
}

func (e *Engine) finish(act Action, err error) (Action, error) {
	act.Timestamp = e.now()
	if err != nil {
		act.Error = err.Error()
		return act, &StepError{Version: act.Version, Direction: act.Type, Err: err}
	}
	act.Success = true
	return act, nil
}
