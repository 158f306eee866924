package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmap/mapd/internal/graph"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite persists project maps in an embedded SQLite database.
//
// The database runs in embedded mode with WAL so snapshot reads stay
// concurrent with mutation writes.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the map database at path and
// initializes the schema. The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS map_nodes (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		task_id TEXT,
		kind TEXT NOT NULL DEFAULT 'task',
		title TEXT,
		status TEXT,
		text TEXT,
		x REAL NOT NULL DEFAULT 0,
		y REAL NOT NULL DEFAULT 0,
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS map_edges (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		label TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (project_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_map_nodes_project ON map_nodes(project_id);
	CREATE INDEX IF NOT EXISTS idx_map_edges_project ON map_edges(project_id);
	CREATE INDEX IF NOT EXISTS idx_map_edges_from ON map_edges(project_id, from_node_id);
	CREATE INDEX IF NOT EXISTS idx_map_edges_to ON map_edges(project_id, to_node_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ProjectSnapshot implements Store.
func (s *SQLite) ProjectSnapshot(ctx context.Context, projectID string) ([]graph.Node, []graph.Edge, error) {
	nodeRows, err := s.conn.QueryContext(ctx, `
		SELECT id, task_id, kind, title, status, text, x, y, revision
		FROM map_nodes WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query nodes for %s: %w", projectID, err)
	}
	defer nodeRows.Close()

	var nodes []graph.Node
	for nodeRows.Next() {
		var n graph.Node
		var taskID, title, status, text sql.NullString
		if err := nodeRows.Scan(&n.ID, &taskID, &n.Kind, &title, &status, &text, &n.X, &n.Y, &n.Revision); err != nil {
			return nil, nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.TaskID = taskID.String
		n.Title = title.String
		n.Status = status.String
		n.Text = text.String
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	edgeRows, err := s.conn.QueryContext(ctx, `
		SELECT id, from_node_id, to_node_id, label
		FROM map_edges WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query edges for %s: %w", projectID, err)
	}
	defer edgeRows.Close()

	var edges []graph.Edge
	for edgeRows.Next() {
		var e graph.Edge
		var label sql.NullString
		if err := edgeRows.Scan(&e.ID, &e.FromNodeID, &e.ToNodeID, &label); err != nil {
			return nil, nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Label = label.String
		edges = append(edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return nodes, edges, nil
}

// PersistMutation implements Store.
func (s *SQLite) PersistMutation(ctx context.Context, projectID string, applied *graph.Applied) error {
	now := time.Now().Format(time.RFC3339)

	switch applied.Mutation.Kind {
	case graph.MutationCreate, graph.MutationMove, graph.MutationUpdate:
		return s.upsertNode(ctx, projectID, applied.Node, now)

	case graph.MutationDelete:
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM map_nodes WHERE project_id = ? AND id = ?`,
			projectID, applied.Mutation.NodeID); err != nil {
			return fmt.Errorf("failed to delete node %s: %w", applied.Mutation.NodeID, err)
		}
		for _, e := range applied.RemovedEdges {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM map_edges WHERE project_id = ? AND id = ?`,
				projectID, e.ID); err != nil {
				return fmt.Errorf("failed to delete edge %s: %w", e.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit delete: %w", err)
		}
		return nil

	case graph.MutationEdgeCreate:
		query := `
		INSERT INTO map_edges (project_id, id, from_node_id, to_node_id, label, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			from_node_id = excluded.from_node_id,
			to_node_id = excluded.to_node_id,
			label = excluded.label,
			updated_at = excluded.updated_at
		`
		_, err := s.conn.ExecContext(ctx, query,
			projectID, applied.Edge.ID, applied.Edge.FromNodeID, applied.Edge.ToNodeID,
			applied.Edge.Label, now)
		if err != nil {
			return fmt.Errorf("failed to upsert edge %s: %w", applied.Edge.ID, err)
		}
		return nil

	case graph.MutationEdgeDelete:
		_, err := s.conn.ExecContext(ctx,
			`DELETE FROM map_edges WHERE project_id = ? AND id = ?`,
			projectID, applied.Edge.ID)
		if err != nil {
			return fmt.Errorf("failed to delete edge %s: %w", applied.Edge.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("cannot persist mutation kind %q", applied.Mutation.Kind)
	}
}

func (s *SQLite) upsertNode(ctx context.Context, projectID string, n *graph.Node, now string) error {
	if n == nil {
		return fmt.Errorf("cannot persist nil node")
	}

	query := `
	INSERT INTO map_nodes (project_id, id, task_id, kind, title, status, text, x, y, revision, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, id) DO UPDATE SET
		task_id = excluded.task_id,
		kind = excluded.kind,
		title = excluded.title,
		status = excluded.status,
		text = excluded.text,
		x = excluded.x,
		y = excluded.y,
		revision = excluded.revision,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		projectID, n.ID, n.TaskID, string(n.Kind), n.Title, n.Status, n.Text,
		n.X, n.Y, n.Revision, now)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
	}
	return nil
}
