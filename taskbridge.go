// Package taskbridge provides a minimal public API for embedding the sync
// engine in other programs.
//
// The internal packages carry the full surface; this package exports only
// the types and constructors needed to configure and run a sync
// programmatically: backend registration, the sync-state store, and the
// engine itself.
package taskbridge

import (
	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/engine"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
)

// Core types for working with tasks and backends
type (
	Task     = task.Task
	Update   = task.Update
	Priority = task.Priority

	Backend        = backend.Backend
	BackendFactory = backend.Factory
	CreateRequest  = backend.CreateRequest

	Store    = syncstate.Store
	SyncItem = syncstate.SyncItem

	Engine    = engine.Engine
	Config    = engine.Config
	Direction = engine.Direction
	Filter    = engine.Filter
	Callbacks = engine.Callbacks
	Result    = engine.Result
	Stats     = engine.Stats
	Progress  = engine.Progress

	Strategy = conflict.Strategy
	Conflict = conflict.Conflict
)

// Direction constants
const (
	OneWay = engine.OneWay
	TwoWay = engine.TwoWay
	NWay   = engine.NWay
)

// Conflict strategy constants
const (
	SourceWins     = conflict.SourceWins
	TargetWins     = conflict.TargetWins
	LastWriteWins  = conflict.LastWriteWins
	FirstWriteWins = conflict.FirstWriteWins
	Manual         = conflict.Manual
	Merge          = conflict.Merge
)

// RegisterBackend adds a backend adapter factory to the global registry.
func RegisterBackend(name string, factory backend.Factory) {
	backend.Register(name, factory)
}

// NewBackend instantiates a registered adapter type with the given id.
func NewBackend(name, id string) (Backend, error) {
	return backend.New(name, id)
}

// OpenStore acquires the sync-state directory for the given participants.
// Callers must Close the returned store to release the single-writer lock.
func OpenStore(basePath string, backendIDs []string) (*Store, error) {
	return syncstate.Open(basePath, backendIDs)
}

// NewEngine builds a sync engine over the given backends.
func NewEngine(store *Store, cfg *Config, backends ...Backend) (*Engine, error) {
	return engine.New(store, cfg, backends...)
}

// ComputeContentHash returns the content hash used for change detection.
func ComputeContentHash(t *Task) string {
	return task.ContentHash(t)
}
