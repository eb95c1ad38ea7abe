// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store. The initial ping is retried
// so the server can start alongside its database.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logging.Warn("database not ready, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const nodeColumns = `id, name, path, parent_path, size, mod_time, is_dir, hash, storage_key, owner_id, mount_point`

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*models.FileNode, error) {
	var n models.FileNode
	var ownerID sql.NullInt64
	if err := row.Scan(&n.ID, &n.Name, &n.Path, &n.ParentPath, &n.Size, &n.ModTime,
		&n.IsDir, &n.Hash, &n.StorageKey, &ownerID, &n.MountPoint); err != nil {
		return nil, err
	}
	if ownerID.Valid {
		n.OwnerID = int(ownerID.Int64)
	}
	return &n, nil
}

// GetNode returns the node at path, or nil if it does not exist.
func (s *Store) GetNode(ctx context.Context, p string) (*models.FileNode, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()

	p = NormalizePath(p)
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM files WHERE path = $1`, p))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", p, err)
	}
	return n, nil
}

// GetNodeByID returns the node with the given ID, or nil if it does not exist.
func (s *Store) GetNodeByID(ctx context.Context, id string) (*models.FileNode, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node_by_id", time.Since(start)) }()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM files WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// ListDir returns children of a directory ordered by name.
func (s *Store) ListDir(ctx context.Context, p string) ([]*models.FileNode, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_dir", time.Since(start)) }()

	p = NormalizePath(p)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM files WHERE parent_path = $1 AND path <> '/' ORDER BY name`, p)
	if err != nil {
		return nil, fmt.Errorf("list dir %s: %w", p, err)
	}
	defer rows.Close()

	var nodes []*models.FileNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpsertNode inserts or updates a node. The owner of an existing node is
// never replaced.
func (s *Store) UpsertNode(ctx context.Context, n *models.FileNode) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_node", time.Since(start)) }()

	var ownerID *int
	if n.OwnerID != 0 {
		ownerID = &n.OwnerID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, path, parent_path, size, mod_time, is_dir, hash, storage_key, owner_id, mount_point, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (path) DO UPDATE SET
			size = EXCLUDED.size,
			mod_time = EXCLUDED.mod_time,
			hash = EXCLUDED.hash,
			storage_key = EXCLUDED.storage_key,
			owner_id = COALESCE(files.owner_id, EXCLUDED.owner_id),
			updated_at = NOW()`,
		n.ID, n.Name, n.Path, n.ParentPath, n.Size, n.ModTime, n.IsDir, n.Hash, n.StorageKey, ownerID, n.MountPoint)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	logging.Debug("upserted node",
		zap.String("path", n.Path),
		zap.Bool("is_dir", n.IsDir),
		zap.Int64("size", n.Size))
	return nil
}

// DeleteTree removes a node and all its descendants, along with any shares
// on them.
func (s *Store) DeleteTree(ctx context.Context, p string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_tree", time.Since(start)) }()

	p = NormalizePath(p)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	like := escapeLike(p) + "/%"
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM shares WHERE path = $1 OR path LIKE $2`, p, like); err != nil {
		return 0, fmt.Errorf("delete shares: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE path = $1 OR path LIKE $2`, p, like)
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	rows, _ := result.RowsAffected()
	logging.Debug("deleted tree", zap.String("path", p), zap.Int64("rows", rows))
	return rows, nil
}

// MoveTree renames a node and re-parents its descendants. Node IDs are kept
// so shares keep pointing at the same nodes; share paths follow the move.
func (s *Store) MoveTree(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_tree", time.Since(start)) }()

	oldPath = NormalizePath(oldPath)
	newPath = NormalizePath(newPath)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE files SET path = $2, parent_path = $3, name = $4, updated_at = NOW() WHERE path = $1`,
		oldPath, newPath, ParentPath(newPath), path.Base(newPath))
	if err != nil {
		return fmt.Errorf("move node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("move node: %s not found", oldPath)
	}

	like := escapeLike(oldPath) + "/%"
	// $2 || substr(...) rewrites the prefix of every descendant.
	if _, err := tx.ExecContext(ctx,
		`UPDATE files
		 SET path = $2 || substr(path, length($1) + 1),
		     parent_path = $2 || substr(parent_path, length($1) + 1),
		     updated_at = NOW()
		 WHERE path LIKE $3`,
		oldPath, newPath, like); err != nil {
		return fmt.Errorf("move descendants: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE shares SET path = $2 || substr(path, length($1) + 1)
		 WHERE path = $1 OR path LIKE $3`,
		oldPath, newPath, like); err != nil {
		return fmt.Errorf("move shares: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.Debug("moved tree", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// EnsureRoot creates the unowned root directory if it does not exist.
func (s *Store) EnsureRoot(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, path, parent_path, is_dir, mod_time)
		 VALUES ($1, '/', '/', '/', TRUE, NOW())
		 ON CONFLICT (path) DO NOTHING`, NodeID("/"))
	if err != nil {
		return fmt.Errorf("ensure root: %w", err)
	}
	return nil
}

// NodeID derives the stable ID assigned to a node created at path.
func NodeID(p string) string {
	h := sha256.Sum256([]byte(p))
	return fmt.Sprintf("%x", h[:8])
}

// NormalizePath cleans p into an absolute slash path.
func NormalizePath(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	return p
}

// ParentPath returns the parent directory of an absolute path.
func ParentPath(p string) string {
	return path.Dir(NormalizePath(p))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
