// Package kv assembles the storage engine, the persistence layer and the
// command dispatcher into one database instance with a single lifecycle.
package kv

import (
	"fmt"

	"go.uber.org/zap"

	"blazekv/internal/command"
	"blazekv/internal/config"
	"blazekv/internal/logging"
	"blazekv/internal/metrics"
	"blazekv/internal/storage"
	"blazekv/internal/storage/persistence"
)

// DB is the assembled database. Construction runs recovery, so a returned
// DB is fully consistent and ready to serve before any listener binds.
type DB struct {
	engine     storage.Engine
	persist    *persistence.Manager
	dispatcher *command.Dispatcher
	logger     *zap.Logger
}

// Open builds the engine, opens persistence, recovers state and starts the
// background snapshot loop. A recovery failure is fatal: the returned error
// means the process must not accept traffic.
func Open(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := storage.NewMemoryEngine(
		cfg.Storage.ShardCount,
		cfg.Storage.MaxMemory,
		logging.Component(logger, "storage"),
	)

	db := &DB{engine: engine, logger: logger}

	if cfg.Persistence.Enabled || cfg.Persistence.SnapshotEnabled {
		opts := persistence.Options{
			AOLEnabled:       cfg.Persistence.Enabled,
			AOLPath:          cfg.Persistence.AOLPath,
			Fsync:            fsyncPolicy(cfg.Persistence),
			SnapshotEnabled:  cfg.Persistence.SnapshotEnabled,
			SnapshotDir:      cfg.Persistence.SnapshotDir,
			SnapshotInterval: cfg.Persistence.SnapshotInterval(),
		}
		mgr, err := persistence.NewManager(opts, engine, m,
			logging.Component(logger, "persistence"))
		if err != nil {
			return nil, fmt.Errorf("init persistence: %w", err)
		}
		db.persist = mgr

		if _, err := mgr.Recover(); err != nil {
			mgr.Close()
			return nil, fmt.Errorf("recover: %w", err)
		}
	} else {
		logger.Info("persistence disabled, running memory-only")
	}

	var persister command.Persister
	if db.persist != nil {
		persister = db.persist
	}
	db.dispatcher = command.NewDispatcher(engine, persister,
		logging.Component(logger, "dispatcher"))
	if m != nil {
		db.dispatcher.Use(command.NewMetricsMiddleware(m))
	}

	if db.persist != nil {
		db.persist.StartBackgroundSnapshots()
	}

	logger.Info("database ready")
	return db, nil
}

// fsyncPolicy maps config onto the log's policy type.
func fsyncPolicy(p config.PersistenceConfig) persistence.FsyncPolicy {
	switch p.FsyncPolicy {
	case config.FsyncAlways:
		return persistence.SyncAlways()
	case config.FsyncNever:
		return persistence.SyncNever()
	default:
		return persistence.SyncEveryN(p.FsyncN)
	}
}

// Engine exposes the storage engine for the observability endpoints.
func (db *DB) Engine() storage.Engine { return db.engine }

// Dispatcher exposes the command dispatcher for the TCP server.
func (db *DB) Dispatcher() *command.Dispatcher { return db.dispatcher }

// Snapshot triggers a manual snapshot plus log compaction.
func (db *DB) Snapshot() error {
	if db.persist == nil {
		return persistence.ErrSnapshotsDisabled
	}
	return db.persist.CreateSnapshot()
}

// PersistenceStats reports the persistence subsystems, or false when
// persistence is disabled.
func (db *DB) PersistenceStats() (persistence.ManagerStats, bool) {
	if db.persist == nil {
		return persistence.ManagerStats{}, false
	}
	return db.persist.Stats(), true
}

// Close stops background tasks and drains the log writer.
func (db *DB) Close() error {
	if db.persist != nil {
		return db.persist.Close()
	}
	return nil
}
