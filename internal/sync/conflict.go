package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offline-sync-service/internal/domain"
	"offline-sync-service/internal/store"
)

// Winner says which side a resolution kept.
type Winner int

const (
	WinnerNone Winner = iota
	WinnerLocal
	WinnerRemote
)

func (w Winner) String() string {
	switch w {
	case WinnerLocal:
		return "local"
	case WinnerRemote:
		return "remote"
	}
	return "none"
}

// ResolveConflict merges two copies of a record. It has no side effects and
// never mutates its arguments.
func ResolveConflict(local, remote domain.Record, strategy domain.Strategy) domain.Record {
	rec, _ := Resolve(local, remote, strategy)
	return rec
}

// Resolve is ResolveConflict that also reports the winning side. MANUAL has
// no winner: the result carries remote's fields and an envelope of both
// originals.
func Resolve(local, remote domain.Record, strategy domain.Strategy) (domain.Record, Winner) {
	switch strategy.OrDefault() {
	case domain.ServerWins:
		return remote.Clone(), WinnerRemote
	case domain.ClientWins:
		return local.Clone(), WinnerLocal
	case domain.Manual:
		out := remote.Clone()
		out.Conflict = &domain.Envelope{Local: local.Clone(), Server: remote.Clone()}
		return out, WinnerNone
	default:
		if newer(local, remote) {
			return local.Clone(), WinnerLocal
		}
		return remote.Clone(), WinnerRemote
	}
}

// newer reports whether local beats remote under NEWEST_WINS. A parseable
// timestamp beats an unparseable one; remote takes ties and the case where
// neither parses.
func newer(local, remote domain.Record) bool {
	lt, lok := local.Timestamp()
	rt, rok := remote.Timestamp()
	switch {
	case lok && !rok:
		return true
	case !lok:
		return false
	}
	return lt.After(rt)
}

// drift is the absolute distance between two updated_at values. ok is false
// when either one does not parse.
func drift(a, b domain.Record) (time.Duration, bool) {
	at, aok := a.Timestamp()
	bt, bok := b.Timestamp()
	if !aok || !bok {
		return 0, false
	}
	d := at.Sub(bt)
	if d < 0 {
		d = -d
	}
	return d, true
}

// ConflictManager keeps the MANUAL conflicts log in the state store.
type ConflictManager struct {
	store store.Store
	now   func() time.Time
}

func NewConflictManager(store store.Store) *ConflictManager {
	return &ConflictManager{
		store: store,
		now:   time.Now,
	}
}

// DetectConflict compares the payloads of both copies and returns a pending
// conflict row when they differ.
func (cm *ConflictManager) DetectConflict(table string, local, remote domain.Record) (bool, *store.Conflict, error) {
	if sameContent(local, remote) {
		return false, nil, nil
	}

	localBytes, err := json.Marshal(local)
	if err != nil {
		return false, nil, fmt.Errorf("encode local %s/%s: %w", table, local.ID, err)
	}
	cloudBytes, err := json.Marshal(remote)
	if err != nil {
		return false, nil, fmt.Errorf("encode remote %s/%s: %w", table, remote.ID, err)
	}

	conflict := &store.Conflict{
		ID:           uuid.New().String(),
		TableName:    table,
		RecordID:     local.ID,
		LocalData:    localBytes,
		CloudData:    cloudBytes,
		ConflictType: "data_mismatch",
		DetectedAt:   cm.now(),
	}
	return true, conflict, nil
}

// RecordConflict keeps one pending row per record: an existing row is
// refreshed with both current sides and takes over conflict.ID.
func (cm *ConflictManager) RecordConflict(ctx context.Context, conflict *store.Conflict) error {
	existing, err := cm.store.FindPendingConflict(ctx, conflict.TableName, conflict.RecordID)
	if errors.Is(err, domain.ErrNotFound) {
		return cm.store.CreateConflict(ctx, conflict)
	}
	if err != nil {
		return err
	}
	conflict.ID = existing.ID
	return cm.store.RefreshConflict(ctx, conflict)
}

// Load decodes both sides of a recorded conflict.
func (cm *ConflictManager) Load(ctx context.Context, id string) (*store.Conflict, domain.Record, domain.Record, error) {
	c, err := cm.store.GetConflict(ctx, id)
	if err != nil {
		return nil, domain.Record{}, domain.Record{}, err
	}
	var local, remote domain.Record
	if err := json.Unmarshal(c.LocalData, &local); err != nil {
		return nil, domain.Record{}, domain.Record{}, fmt.Errorf("decode local side of %s: %w", id, err)
	}
	if err := json.Unmarshal(c.CloudData, &remote); err != nil {
		return nil, domain.Record{}, domain.Record{}, fmt.Errorf("decode remote side of %s: %w", id, err)
	}
	return c, local, remote, nil
}

// MarkResolved closes every pending conflict on the record the conflict id
// points at.
func (cm *ConflictManager) MarkResolved(ctx context.Context, c *store.Conflict, strategy domain.Strategy, merged domain.Record) error {
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode resolution of %s: %w", c.ID, err)
	}
	n, err := cm.store.ResolveRecordConflicts(ctx, c.TableName, c.RecordID, string(strategy), data)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unresolved conflict %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// sameContent compares fields only; encoding/json sorts map keys, so equal
// maps hash equal.
func sameContent(a, b domain.Record) bool {
	return calculateHash(a.Fields) == calculateHash(b.Fields)
}

func calculateHash(fields map[string]any) string {
	if fields == nil {
		fields = map[string]any{}
	}
	bytes, err := json.Marshal(fields)
	if err != nil {
		// unencodable payloads never compare equal
		return uuid.NewString()
	}
	sum := sha256.Sum256(bytes)
	return fmt.Sprintf("%x", sum)
}
