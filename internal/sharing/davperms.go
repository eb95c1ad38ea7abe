package sharing

import "strings"

// Permission bits, shared with ownCloud-compatible clients. The values are a
// wire contract and must not change.
const (
	PermissionRead   = 1
	PermissionUpdate = 2
	PermissionCreate = 4
	PermissionDelete = 8
	PermissionShare  = 16
	PermissionAll    = 31
)

// NodeKind distinguishes files from directories.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

func (k NodeKind) String() string {
	if k == KindDirectory {
		return "dir"
	}
	return "file"
}

// CapabilityFlags describe what the current user may do with a node.
type CapabilityFlags struct {
	Kind      NodeKind
	CanShare  bool
	CanCreate bool
	CanUpdate bool
	CanDelete bool
	IsShared  bool // reached through a received share
	IsMounted bool // mount point (external storage or share root)
}

// FlagsFromMask expands a permission bitmask into capability flags.
func FlagsFromMask(kind NodeKind, mask int, shared, mounted bool) CapabilityFlags {
	return CapabilityFlags{
		Kind:      kind,
		CanShare:  mask&PermissionShare != 0,
		CanCreate: mask&PermissionCreate != 0,
		CanUpdate: mask&PermissionUpdate != 0,
		CanDelete: mask&PermissionDelete != 0,
		IsShared:  shared,
		IsMounted: mounted,
	}
}

// DavPermissions builds the oc:permissions string for a node.
//
// Letters always appear in the order S R M D N V W C K:
//
//	S shared with the user      R may be reshared
//	M mount point               D deletable
//	N V renameable, moveable    W writable file
//	C K directory accepts new children (K: chunked upload)
func DavPermissions(f CapabilityFlags) string {
	var b strings.Builder
	if f.IsShared {
		b.WriteByte('S')
	}
	if f.CanShare {
		b.WriteByte('R')
	}
	if f.IsMounted {
		b.WriteByte('M')
	}
	if f.CanDelete {
		b.WriteByte('D')
	}
	if f.CanUpdate {
		b.WriteString("NV")
	}
	if f.Kind == KindFile {
		if f.CanUpdate {
			b.WriteByte('W')
		}
	} else if f.CanCreate {
		b.WriteString("CK")
	}
	return b.String()
}

// SharePermissions returns the permission bits a user may grant when sharing
// a node. Without share capability nothing can be granted. Files never carry
// the create or delete bits.
func SharePermissions(kind NodeKind, canShare, canCreate, canUpdate, canDelete bool) int {
	if !canShare {
		return 0
	}
	perms := PermissionRead | PermissionShare
	if canUpdate {
		perms |= PermissionUpdate
	}
	if canCreate {
		perms |= PermissionCreate
	}
	if canDelete {
		perms |= PermissionDelete
	}
	if kind == KindFile {
		perms &^= PermissionCreate | PermissionDelete
	}
	return perms
}

// SharePermissionsFor is SharePermissions applied to a set of capability flags.
func SharePermissionsFor(f CapabilityFlags) int {
	return SharePermissions(f.Kind, f.CanShare, f.CanCreate, f.CanUpdate, f.CanDelete)
}
