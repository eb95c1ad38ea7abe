// Package models contains data types shared between the metadata store,
// the sharing subsystem and the WebDAV layer.
package models

import "time"

// FileNode represents a file or directory in the virtual filesystem.
type FileNode struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ParentPath string    `json:"parent_path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mtime"`
	IsDir      bool      `json:"is_dir"`
	Hash       string    `json:"hash,omitempty"`
	StorageKey string    `json:"storage_key,omitempty"`
	OwnerID    int       `json:"owner_id,omitempty"` // 0 = unowned
	MountPoint bool      `json:"mount_point,omitempty"`
}

// IsOwnedBy reports whether userID owns the node.
func (n *FileNode) IsOwnedBy(userID int) bool {
	return n.OwnerID != 0 && n.OwnerID == userID
}
