package main

import (
	"context"

	"offline-sync-service/internal/local"
	"offline-sync-service/internal/migrate"
)

// migrations is the application's schema history. Append new steps; never
// renumber or edit a released one.
var migrations = []migrate.Step{
	{
		Version: 1,
		Name:    "create_notes",
		Tables:  []string{"notes"},
	},
	{
		Version: 2,
		Name:    "create_tags",
		Tables:  []string{"tags", "note_tags"},
	},
	{
		Version: 3,
		Name:    "create_attachments",
		Tables:  []string{"attachments"},
	},
	{
		Version: 4,
		Name:    "notes_pinned_flag",
		Up: func(ctx context.Context, tx *local.Tx) error {
			return tx.Exec(ctx, `UPDATE notes SET data = json_set(data, '$.pinned', json('false'))
				WHERE json_extract(data, '$.pinned') IS NULL`)
		},
		Down: func(ctx context.Context, tx *local.Tx) error {
			return tx.Exec(ctx, `UPDATE notes SET data = json_remove(data, '$.pinned')`)
		},
	},
}
