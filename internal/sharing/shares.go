// Package sharing provides share records, group membership and the
// permission model used to annotate WebDAV responses.
package sharing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// ShareType discriminates how a node is shared. Values match the
// ownCloud share type enumeration.
type ShareType int

const (
	ShareTypeUser   ShareType = 0
	ShareTypeGroup  ShareType = 1
	ShareTypeLink   ShareType = 3
	ShareTypeRemote ShareType = 6
)

func (t ShareType) String() string {
	switch t {
	case ShareTypeUser:
		return "user"
	case ShareTypeGroup:
		return "group"
	case ShareTypeLink:
		return "link"
	case ShareTypeRemote:
		return "remote"
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// ParseShareType maps a CLI name to a share type.
func ParseShareType(s string) (ShareType, error) {
	switch s {
	case "user":
		return ShareTypeUser, nil
	case "group":
		return ShareTypeGroup, nil
	case "link":
		return ShareTypeLink, nil
	}
	return 0, fmt.Errorf("unknown share type %q", s)
}

// Share is a share record.
type Share struct {
	ID           int64
	ShareType    ShareType
	ShareWith    string // user ID or group ID; empty for links
	OwnerID      int
	InitiatorID  int
	NodeID       string
	Path         string
	Permissions  int
	Token        string
	PasswordHash string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// ShareStore manages share records in PostgreSQL.
type ShareStore struct {
	db *sql.DB
}

// NewShareStore creates a new share store.
func NewShareStore(db *sql.DB) *ShareStore {
	return &ShareStore{db: db}
}

const shareColumns = `id, share_type, share_with, uid_owner, uid_initiator, file_id, path,
	permissions, COALESCE(token, ''), COALESCE(password_hash, ''), expiration, created_at`

// Create inserts a user or group share on node.
func (s *ShareStore) Create(ctx context.Context, shareType ShareType, node *models.FileNode, initiatorID int, shareWith string, permissions int) (*Share, error) {
	if shareType != ShareTypeUser && shareType != ShareTypeGroup {
		return nil, fmt.Errorf("create share: unsupported share type %s", shareType)
	}
	if shareWith == "" {
		return nil, fmt.Errorf("create share: recipient is required")
	}
	if permissions&PermissionRead == 0 {
		return nil, fmt.Errorf("create share: read permission is required")
	}
	return s.insert(ctx, &Share{
		ShareType:   shareType,
		ShareWith:   shareWith,
		OwnerID:     ownerOf(node, initiatorID),
		InitiatorID: initiatorID,
		NodeID:      node.ID,
		Path:        node.Path,
		Permissions: permissions & PermissionAll,
	})
}

// CreateLink inserts a public link share on node, optionally protected by a
// password and an expiry.
func (s *ShareStore) CreateLink(ctx context.Context, node *models.FileNode, initiatorID int, password string, expiresIn time.Duration) (*Share, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	share := &Share{
		ShareType:   ShareTypeLink,
		OwnerID:     ownerOf(node, initiatorID),
		InitiatorID: initiatorID,
		NodeID:      node.ID,
		Path:        node.Path,
		Permissions: PermissionRead,
		Token:       token,
	}
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		share.PasswordHash = string(hashed)
	}
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		share.ExpiresAt = &t
	}
	return s.insert(ctx, share)
}

func (s *ShareStore) insert(ctx context.Context, sh *Share) (*Share, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_share", time.Since(start)) }()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO shares (share_type, share_with, uid_owner, uid_initiator, file_id, path,
		                     permissions, token, password_hash, expiration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)
		 RETURNING id, created_at`,
		int(sh.ShareType), sh.ShareWith, sh.OwnerID, sh.InitiatorID, sh.NodeID, sh.Path,
		sh.Permissions, sh.Token, sh.PasswordHash, sh.ExpiresAt).Scan(&sh.ID, &sh.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert share: %w", err)
	}
	return sh, nil
}

// Delete removes a share by ID.
func (s *ShareStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("share %d not found", id)
	}
	return nil
}

// GetSharesBy returns shares of shareType on node created by userID. With
// reshares, shares owned by userID but created by someone else are included
// too. A negative limit means no limit.
func (s *ShareStore) GetSharesBy(ctx context.Context, userID int, shareType ShareType, node *models.FileNode, reshares bool, limit int) ([]Share, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_shares_by", time.Since(start)) }()

	query := `SELECT ` + shareColumns + `
		 FROM shares
		 WHERE share_type = $1 AND file_id = $2
		   AND (uid_initiator = $3 OR ($4 AND uid_owner = $3))
		   AND (expiration IS NULL OR expiration > NOW())
		 ORDER BY id`
	args := []any{int(shareType), node.ID, userID, reshares}
	if limit >= 0 {
		query += ` LIMIT $5`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get shares by user: %w", err)
	}
	defer rows.Close()
	return scanShares(rows)
}

// ListByPath returns all shares on a path.
func (s *ShareStore) ListByPath(ctx context.Context, path string) ([]Share, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_shares_by_path", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE path = $1 ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("list shares by path: %w", err)
	}
	defer rows.Close()
	return scanShares(rows)
}

// ReceivedPermissions returns the combined permissions the user receives,
// directly or through one of groupIDs, on the most specific of paths that
// carries any share.
func (s *ShareStore) ReceivedPermissions(ctx context.Context, userID int, groupIDs []int, paths []string) (int, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("received_permissions", time.Since(start)) }()

	groups := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		groups[i] = strconv.Itoa(id)
	}

	var perms int
	err := s.db.QueryRowContext(ctx,
		`SELECT bit_or(permissions)::int
		 FROM shares
		 WHERE path = ANY($1)
		   AND ((share_type = 0 AND share_with = $2) OR (share_type = 1 AND share_with = ANY($3)))
		   AND (expiration IS NULL OR expiration > NOW())
		 GROUP BY path
		 ORDER BY length(path) DESC
		 LIMIT 1`,
		pq.Array(paths), strconv.Itoa(userID), pq.Array(groups)).Scan(&perms)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("received permissions: %w", err)
	}
	return perms, true, nil
}

func scanShares(rows *sql.Rows) ([]Share, error) {
	var shares []Share
	for rows.Next() {
		var sh Share
		var shareType int
		var expiresAt sql.NullTime
		if err := rows.Scan(&sh.ID, &shareType, &sh.ShareWith, &sh.OwnerID, &sh.InitiatorID,
			&sh.NodeID, &sh.Path, &sh.Permissions, &sh.Token, &sh.PasswordHash,
			&expiresAt, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		sh.ShareType = ShareType(shareType)
		if expiresAt.Valid {
			sh.ExpiresAt = &expiresAt.Time
		}
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

func ownerOf(node *models.FileNode, fallback int) int {
	if node.OwnerID != 0 {
		return node.OwnerID
	}
	return fallback
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
