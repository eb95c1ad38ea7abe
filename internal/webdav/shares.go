package webdav

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/fruitsalade/sharedav/internal/metrics"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// PropShares lists the share types a node is shared with by the current user.
var PropShares = xml.Name{Space: NSOwnCloud, Local: "shares"}

// annotatedShareTypes are looked up in this order, which is also the order
// of the reported value.
var annotatedShareTypes = []sharing.ShareType{
	sharing.ShareTypeUser,
	sharing.ShareTypeGroup,
	sharing.ShareTypeLink,
}

// ShareLookup finds shares created by a user on a node.
type ShareLookup interface {
	GetSharesBy(ctx context.Context, userID int, shareType sharing.ShareType, node *models.FileNode, reshares bool, limit int) ([]sharing.Share, error)
}

// NodeTree reads the file tree.
type NodeTree interface {
	GetNode(ctx context.Context, path string) (*models.FileNode, error)
	ListDir(ctx context.Context, path string) ([]*models.FileNode, error)
}

// SharesPlugin answers oc:shares. Directory listings that ask for it get
// their children's shares fetched up front into the request scope.
type SharesPlugin struct {
	tree   NodeTree
	shares ShareLookup
	access AccessResolver
}

var _ Plugin = (*SharesPlugin)(nil)

// NewSharesPlugin creates a shares plugin. Prefetching only covers nodes
// access allows the requesting user to read.
func NewSharesPlugin(tree NodeTree, shares ShareLookup, access AccessResolver) *SharesPlugin {
	return &SharesPlugin{tree: tree, shares: shares, access: access}
}

// Properties implements Plugin.
func (p *SharesPlugin) Properties() []xml.Name {
	return []xml.Name{PropShares}
}

// BeginPropFind prefetches the shares of the target's direct children when
// the target is a directory, the depth is not 0 and oc:shares is named in
// the request. Targets and children the user cannot read are skipped; the
// filesystem denies or hides them later.
func (p *SharesPlugin) BeginPropFind(ctx context.Context, q *PropFindQuery) error {
	if q.Depth == 0 || !q.Requests(PropShares) {
		return nil
	}

	node, err := p.tree.GetNode(ctx, q.Path)
	if err != nil {
		return err
	}
	if node == nil || !node.IsDir {
		return nil
	}
	if ok, err := p.readable(ctx, node); err != nil || !ok {
		return err
	}

	children, err := p.tree.ListDir(ctx, node.Path)
	if err != nil {
		return err
	}

	scope := scopeFrom(ctx)
	prefetched := 0
	for _, child := range children {
		ok, err := p.readable(ctx, child)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		shares, err := p.lookup(ctx, child)
		if err != nil {
			return err
		}
		scope.storeShares(child.ID, shares)
		prefetched++
	}
	metrics.RecordSharePrefetch(prefetched)
	return nil
}

// PropertyValue implements Plugin. The value is a JSON array of the share
// types in lookup order, e.g. "[0,3]". Nodes without shares have no value.
func (p *SharesPlugin) PropertyValue(ctx context.Context, node *models.FileNode, name xml.Name) (string, bool, error) {
	if name != PropShares {
		return "", false, nil
	}

	types, err := p.ShareTypes(ctx, node)
	if err != nil {
		return "", false, err
	}
	if len(types) == 0 {
		return "", false, nil
	}

	ints := make([]int, len(types))
	for i, t := range types {
		ints[i] = int(t)
	}
	b, err := json.Marshal(ints)
	if err != nil {
		return "", false, fmt.Errorf("encode share types: %w", err)
	}
	return string(b), true, nil
}

// ShareTypes returns the distinct share types of node, using the request
// cache when the node was prefetched.
func (p *SharesPlugin) ShareTypes(ctx context.Context, node *models.FileNode) ([]sharing.ShareType, error) {
	shares, ok := scopeFrom(ctx).cachedShares(node.ID)
	if !ok {
		var err error
		shares, err = p.lookup(ctx, node)
		if err != nil {
			return nil, err
		}
	}

	var types []sharing.ShareType
	for _, t := range annotatedShareTypes {
		for _, sh := range shares {
			if sh.ShareType == t {
				types = append(types, t)
				break
			}
		}
	}
	return types, nil
}

func (p *SharesPlugin) readable(ctx context.Context, node *models.FileNode) (bool, error) {
	a, err := resolveAccess(ctx, p.access, node)
	if err != nil {
		return false, err
	}
	return a.Can(sharing.PermissionRead), nil
}

// lookup runs one bounded query per share type; a single share is enough
// to know the type is in use.
func (p *SharesPlugin) lookup(ctx context.Context, node *models.FileNode) ([]sharing.Share, error) {
	principal, _ := PrincipalFrom(ctx)

	var found []sharing.Share
	for _, t := range annotatedShareTypes {
		metrics.RecordShareLookup(int(t))
		shares, err := p.shares.GetSharesBy(ctx, principal.UserID, t, node, false, 1)
		if err != nil {
			return nil, err
		}
		found = append(found, shares...)
	}
	return found, nil
}
