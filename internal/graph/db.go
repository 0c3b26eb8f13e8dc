package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/patterngraph/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB is the SQLite-backed property graph. Node kinds live in typed tables and
// every relationship lives in the shared edges table.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool

	vecMu  sync.Mutex
	vecDim int // embedding dimension used in summary_vec (0 = not yet determined)
}

// Open opens or creates the graph database under statePath
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "graph", "graph.db")

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	g := &DB{db: db, path: dbPath}

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("graph", "sqlite-vec not available: %v, similarity search falls back to full scan", err)
	} else {
		logging.Info("graph", "sqlite-vec %s loaded", vecVersion)
		g.vecAvailable = true
		if err := g.initVecTable(); err != nil {
			logging.Warn("graph", "vec init warning: %v", err)
		}
	}

	return g, nil
}

// Close closes the database connection
func (g *DB) Close() error {
	return g.db.Close()
}

// migrate runs database migrations
func (g *DB) migrate() error {
	if _, err := g.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return err
	}

	var version int
	g.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)

	if version < 1 {
		logging.Info("graph", "Migrating to schema v1: entities, summaries, sessions, patterns, edges")
		entityTable := func(name string) string {
			return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				content TEXT,
				name TEXT,
				path TEXT,
				language TEXT,
				user_id TEXT,
				team_id TEXT,
				workspace_id TEXT NOT NULL,
				project_name TEXT,
				chunk_id TEXT,
				session_id TEXT,
				content_hash TEXT,
				embedding BLOB,
				metadata TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_workspace ON %[1]s(workspace_id);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_hash ON %[1]s(workspace_id, content_hash);
			`, name)
		}
		schema := entityTable("memories") + entityTable("code_entities") + `
		CREATE TABLE IF NOT EXISTS entity_summaries (
			id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			user_id TEXT,
			team_id TEXT,
			workspace_id TEXT NOT NULL,
			project_name TEXT,
			embedding BLOB,
			keyword_frequencies TEXT,
			pattern_signals TEXT,
			is_debugging INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			processed_at INTEGER,
			UNIQUE(entity_id, entity_type)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_summaries_id ON entity_summaries(id);
		CREATE INDEX IF NOT EXISTS idx_entity_summaries_created ON entity_summaries(created_at);
		CREATE INDEX IF NOT EXISTS idx_entity_summaries_project ON entity_summaries(project_name, user_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			team_id TEXT,
			workspace_id TEXT NOT NULL,
			project_name TEXT,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			entity_count INTEGER NOT NULL DEFAULT 0,
			dominant_patterns TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(user_id, project_name, end_time);

		CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			pattern_type TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT,
			name TEXT,
			description TEXT,
			user_id TEXT,
			team_id TEXT,
			workspace_id TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			frequency INTEGER NOT NULL DEFAULT 0,
			stability REAL NOT NULL DEFAULT 0,
			first_detected INTEGER,
			last_validated INTEGER,
			last_updated INTEGER,
			example_entity_ids TEXT,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_validated ON patterns(last_validated);

		CREATE TABLE IF NOT EXISTS edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			edge_type TEXT NOT NULL,
			from_label TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_label TEXT NOT NULL,
			to_id TEXT NOT NULL,
			weight REAL DEFAULT 1.0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(edge_type, from_id, to_id)
		);
		CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, edge_type);
		CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, edge_type, created_at);
		`
		if _, err := g.db.Exec(schema); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
		g.db.Exec("INSERT INTO schema_version (version) VALUES (1)")
		logging.Info("graph", "Migration to v1 completed successfully")
	}

	return nil
}

// Stats returns node and edge counts per table
func (g *DB) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{"memories", "code_entities", "entity_summaries", "sessions", "patterns", "edges"}
	for _, table := range tables {
		var count int
		if err := g.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// Clear removes all data (for testing)
func (g *DB) Clear() error {
	tables := []string{"edges", "patterns", "sessions", "entity_summaries", "code_entities", "memories"}
	for _, table := range tables {
		if _, err := g.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
