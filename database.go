// database.go
package main

import (
	"context"

	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
)

// InitializeDatabase opens the metadata store in the user's app data
// directory, applying the schema if this is a fresh install.
func InitializeDatabase(ctx context.Context) (*metadata.Store, error) {
	path, err := metadata.DefaultPath()
	if err != nil {
		return nil, err
	}
	return metadata.Open(path)
}

// InitializeEventBus wires the event bus to the Wails runtime context so
// frontend EventsOn subscribers receive backup/restore progress.
func InitializeEventBus(ctx context.Context) *events.Bus {
	return events.NewBus(ctx)
}
