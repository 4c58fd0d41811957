package store

import (
	"context"
)

// Store persists the state the sync engine owns outside the local database.
type Store interface {
	// Sync State
	GetSyncState(ctx context.Context, scope string) (*SyncState, error)
	UpdateSyncState(ctx context.Context, state *SyncState) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error
	FindPendingConflict(ctx context.Context, table, recordID string) (*Conflict, error)
	RefreshConflict(ctx context.Context, conflict *Conflict) error
	ResolveRecordConflicts(ctx context.Context, table, recordID, strategy string, resolvedData []byte) (int, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
