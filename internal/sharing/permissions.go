package sharing

import (
	"context"
	"strings"

	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// Principal is the authenticated user a request acts for.
type Principal struct {
	UserID   int
	Username string
	IsAdmin  bool
	GroupIDs []int
}

// Access is a principal's effective access to one node.
type Access struct {
	Permissions int
	Shared      bool // granted through a received share
}

// Can reports whether all bits of perm are granted.
func (a Access) Can(perm int) bool {
	return a.Permissions&perm == perm
}

// Flags returns the capability flags of node under this access.
func (a Access) Flags(node *models.FileNode) CapabilityFlags {
	kind := KindFile
	if node.IsDir {
		kind = KindDirectory
	}
	return FlagsFromMask(kind, a.Permissions, a.Shared, node.MountPoint)
}

// ReceivedShareSource looks up permissions received through shares.
type ReceivedShareSource interface {
	ReceivedPermissions(ctx context.Context, userID int, groupIDs []int, paths []string) (int, bool, error)
}

// PermissionResolver computes effective access to nodes.
type PermissionResolver struct {
	shares ReceivedShareSource
}

// NewPermissionResolver creates a resolver backed by received shares.
func NewPermissionResolver(shares ReceivedShareSource) *PermissionResolver {
	return &PermissionResolver{shares: shares}
}

// Resolve returns p's access to node.
//
// Admins and owners get everything. Unowned nodes (the root and other
// system-created folders) are open to everyone but cannot be shared.
// Otherwise access comes from the most specific path segment carrying
// shares received by p or one of p's groups.
func (r *PermissionResolver) Resolve(ctx context.Context, p Principal, node *models.FileNode) (Access, error) {
	if p.IsAdmin || node.IsOwnedBy(p.UserID) {
		metrics.RecordPermissionCheck(true)
		return Access{Permissions: PermissionAll}, nil
	}

	perms, found, err := r.shares.ReceivedPermissions(ctx, p.UserID, p.GroupIDs, PathSegments(node.Path))
	if err != nil {
		return Access{}, err
	}
	if found {
		metrics.RecordPermissionCheck(true)
		return Access{Permissions: perms & PermissionAll, Shared: true}, nil
	}

	if node.OwnerID == 0 {
		metrics.RecordPermissionCheck(true)
		return Access{Permissions: PermissionAll &^ PermissionShare}, nil
	}

	metrics.RecordPermissionCheck(false)
	return Access{}, nil
}

// PathSegments returns all path prefixes from most specific to least.
// "/a/b/c" -> ["/a/b/c", "/a/b", "/a", "/"]
func PathSegments(path string) []string {
	segments := []string{path}
	for {
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			if path != "/" {
				segments = append(segments, "/")
			}
			break
		}
		path = path[:idx]
		segments = append(segments, path)
	}
	return segments
}
