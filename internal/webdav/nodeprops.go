package webdav

import (
	"context"
	"encoding/xml"
	"strconv"

	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// Node properties of the ownCloud namespace.
var (
	PropID               = xml.Name{Space: NSOwnCloud, Local: "id"}
	PropFileID           = xml.Name{Space: NSOwnCloud, Local: "fileid"}
	PropPermissions      = xml.Name{Space: NSOwnCloud, Local: "permissions"}
	PropSharePermissions = xml.Name{Space: NSOCS, Local: "share-permissions"}
)

// AccessResolver computes a principal's access to a node.
type AccessResolver interface {
	Resolve(ctx context.Context, p sharing.Principal, node *models.FileNode) (sharing.Access, error)
}

// resolveAccess memoises access per node for the rest of the request.
func resolveAccess(ctx context.Context, r AccessResolver, node *models.FileNode) (sharing.Access, error) {
	scope := scopeFrom(ctx)
	if a, ok := scope.cachedAccess(node.ID); ok {
		return a, nil
	}
	principal, _ := PrincipalFrom(ctx)
	a, err := r.Resolve(ctx, principal, node)
	if err != nil {
		return sharing.Access{}, err
	}
	scope.storeAccess(node.ID, a)
	return a, nil
}

// NodePropsPlugin answers the identity and permission properties.
type NodePropsPlugin struct {
	access AccessResolver
}

var _ Plugin = (*NodePropsPlugin)(nil)

// NewNodePropsPlugin creates a node properties plugin.
func NewNodePropsPlugin(access AccessResolver) *NodePropsPlugin {
	return &NodePropsPlugin{access: access}
}

// Properties implements Plugin.
func (p *NodePropsPlugin) Properties() []xml.Name {
	return []xml.Name{PropID, PropFileID, PropPermissions, PropSharePermissions}
}

// BeginPropFind implements Plugin.
func (p *NodePropsPlugin) BeginPropFind(context.Context, *PropFindQuery) error {
	return nil
}

// PropertyValue implements Plugin.
func (p *NodePropsPlugin) PropertyValue(ctx context.Context, node *models.FileNode, name xml.Name) (string, bool, error) {
	switch name {
	case PropID, PropFileID:
		return node.ID, true, nil
	case PropPermissions, PropSharePermissions:
		a, err := resolveAccess(ctx, p.access, node)
		if err != nil {
			return "", false, err
		}
		flags := a.Flags(node)
		if name == PropPermissions {
			return sharing.DavPermissions(flags), true, nil
		}
		return strconv.Itoa(sharing.SharePermissionsFor(flags)), true, nil
	}
	return "", false, nil
}
