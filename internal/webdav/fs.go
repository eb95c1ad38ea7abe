package webdav

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metadata/postgres"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/internal/storage"
	"github.com/fruitsalade/sharedav/pkg/models"
)

var errUploadTooLarge = errors.New("upload exceeds maximum size")

// Metadata is the file tree store behind the filesystem.
type Metadata interface {
	NodeTree
	GetNodeByID(ctx context.Context, id string) (*models.FileNode, error)
	UpsertNode(ctx context.Context, n *models.FileNode) error
	DeleteTree(ctx context.Context, path string) (int64, error)
	MoveTree(ctx context.Context, oldPath, newPath string) error
}

// FileSystem implements webdav.FileSystem over the metadata store and a
// content backend, enforcing the requesting user's permissions.
type FileSystem struct {
	metadata  Metadata
	backend   storage.Backend
	access    AccessResolver
	plugins   []Plugin
	maxUpload int64
}

var _ webdav.FileSystem = (*FileSystem)(nil)

// NewFileSystem creates a filesystem. Files it opens report the plugins'
// properties as dead properties. maxUpload <= 0 means unlimited.
func NewFileSystem(metadata Metadata, backend storage.Backend, access AccessResolver, plugins []Plugin, maxUpload int64) *FileSystem {
	return &FileSystem{
		metadata:  metadata,
		backend:   backend,
		access:    access,
		plugins:   plugins,
		maxUpload: maxUpload,
	}
}

func normalizePath(name string) string {
	return postgres.NormalizePath(name)
}

func storageKey(id string) string {
	return id[:2] + "/" + id
}

// require fails unless the request may do perm on node. Nodes the user
// cannot read are reported as missing so their existence does not leak.
func (fs *FileSystem) require(ctx context.Context, node *models.FileNode, perm int) error {
	a, err := resolveAccess(ctx, fs.access, node)
	if err != nil {
		return err
	}
	if !a.Can(sharing.PermissionRead) {
		return os.ErrNotExist
	}
	if !a.Can(perm) {
		return os.ErrPermission
	}
	return nil
}

// parentDir returns the existing parent directory of name.
func (fs *FileSystem) parentDir(ctx context.Context, name string) (*models.FileNode, error) {
	parent, err := fs.metadata.GetNode(ctx, path.Dir(name))
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, os.ErrNotExist
	}
	if !parent.IsDir {
		return nil, fmt.Errorf("%s is not a directory", parent.Path)
	}
	return parent, nil
}

// newNodeID returns the path-derived ID unless a node moved away from name
// still holds it.
func (fs *FileSystem) newNodeID(ctx context.Context, name string) (string, error) {
	id := postgres.NodeID(name)
	existing, err := fs.metadata.GetNodeByID(ctx, id)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Path != name {
		id = postgres.NodeID(name + "\x00" + uuid.NewString())
	}
	return id, nil
}

// ownerFor returns the owner of a node created under parent. Content added
// to someone's tree through a share stays theirs.
func ownerFor(ctx context.Context, parent *models.FileNode) int {
	if parent.OwnerID != 0 {
		return parent.OwnerID
	}
	p, _ := PrincipalFrom(ctx)
	return p.UserID
}

// Mkdir creates a directory.
func (fs *FileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	name = normalizePath(name)
	if name == "/" {
		return os.ErrExist
	}

	existing, err := fs.metadata.GetNode(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return os.ErrExist
	}

	parent, err := fs.parentDir(ctx, name)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, parent, sharing.PermissionCreate); err != nil {
		return err
	}

	id, err := fs.newNodeID(ctx, name)
	if err != nil {
		return err
	}
	return fs.metadata.UpsertNode(ctx, &models.FileNode{
		ID:         id,
		Name:       path.Base(name),
		Path:       name,
		ParentPath: parent.Path,
		IsDir:      true,
		ModTime:    time.Now(),
		OwnerID:    ownerFor(ctx, parent),
	})
}

// OpenFile opens or creates a file.
func (fs *FileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	name = normalizePath(name)

	node, err := fs.metadata.GetNode(ctx, name)
	if err != nil {
		return nil, err
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0
	if !writable {
		if node == nil {
			return nil, os.ErrNotExist
		}
		if err := fs.require(ctx, node, sharing.PermissionRead); err != nil {
			return nil, err
		}
		return &davFile{fs: fs, name: name, node: node, ctx: ctx}, nil
	}

	f := &davFile{
		fs:       fs,
		name:     name,
		node:     node,
		writable: true,
		dirty:    node == nil || flag&os.O_TRUNC != 0,
		buf:      &bytes.Buffer{},
		ctx:      ctx,
	}

	if node != nil {
		if node.IsDir {
			return nil, fmt.Errorf("%s is a directory", name)
		}
		if flag&os.O_EXCL != 0 {
			return nil, os.ErrExist
		}
		if err := fs.require(ctx, node, sharing.PermissionUpdate); err != nil {
			return nil, err
		}
		return f, nil
	}

	if flag&os.O_CREATE == 0 {
		return nil, os.ErrNotExist
	}
	parent, err := fs.parentDir(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := fs.require(ctx, parent, sharing.PermissionCreate); err != nil {
		return nil, err
	}
	f.parent = parent
	return f, nil
}

// RemoveAll removes a file or directory tree.
func (fs *FileSystem) RemoveAll(ctx context.Context, name string) error {
	name = normalizePath(name)
	if name == "/" {
		return fmt.Errorf("cannot remove root")
	}

	node, err := fs.metadata.GetNode(ctx, name)
	if err != nil {
		return err
	}
	if node == nil {
		return os.ErrNotExist
	}
	if err := fs.require(ctx, node, sharing.PermissionDelete); err != nil {
		return err
	}

	keys, err := fs.contentKeys(ctx, node)
	if err != nil {
		return err
	}
	if _, err := fs.metadata.DeleteTree(ctx, name); err != nil {
		return err
	}

	// Objects go after their metadata; a failure leaves an orphan, not a
	// dangling entry.
	for _, key := range keys {
		if err := fs.backend.DeleteObject(ctx, key); err != nil {
			logging.WithContext(ctx).Warn("delete object failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return nil
}

// contentKeys collects the storage keys of all files in the tree at node.
func (fs *FileSystem) contentKeys(ctx context.Context, node *models.FileNode) ([]string, error) {
	if !node.IsDir {
		if node.StorageKey == "" {
			return nil, nil
		}
		return []string{node.StorageKey}, nil
	}

	children, err := fs.metadata.ListDir(ctx, node.Path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, child := range children {
		childKeys, err := fs.contentKeys(ctx, child)
		if err != nil {
			return nil, err
		}
		keys = append(keys, childKeys...)
	}
	return keys, nil
}

// Rename moves a file or directory tree. Node IDs and content stay in place.
func (fs *FileSystem) Rename(ctx context.Context, oldName, newName string) error {
	oldName = normalizePath(oldName)
	newName = normalizePath(newName)
	if oldName == "/" {
		return fmt.Errorf("cannot move root")
	}
	if oldName == newName {
		return nil
	}
	if strings.HasPrefix(newName, oldName+"/") {
		return fmt.Errorf("cannot move %s into itself", oldName)
	}

	node, err := fs.metadata.GetNode(ctx, oldName)
	if err != nil {
		return err
	}
	if node == nil {
		return os.ErrNotExist
	}
	if err := fs.require(ctx, node, sharing.PermissionUpdate); err != nil {
		return err
	}

	dst, err := fs.metadata.GetNode(ctx, newName)
	if err != nil {
		return err
	}
	if dst != nil {
		return os.ErrExist
	}
	parent, err := fs.parentDir(ctx, newName)
	if err != nil {
		return err
	}
	if err := fs.require(ctx, parent, sharing.PermissionCreate); err != nil {
		return err
	}

	return fs.metadata.MoveTree(ctx, oldName, newName)
}

// Stat returns file info for a path.
func (fs *FileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	name = normalizePath(name)

	node, err := fs.metadata.GetNode(ctx, name)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, os.ErrNotExist
	}
	if err := fs.require(ctx, node, sharing.PermissionRead); err != nil {
		return nil, err
	}
	return newFileInfo(node), nil
}

// davFile implements webdav.File. Writes are buffered and uploaded on Close.
type davFile struct {
	fs       *FileSystem
	name     string
	node     *models.FileNode // nil for a file being created
	parent   *models.FileNode // set for a file being created
	writable bool
	dirty    bool // content must be uploaded on Close
	buf      *bytes.Buffer
	ctx      context.Context

	// copyFrom is set when the content is copied server-side from
	// another node instead of being written.
	copyFrom *models.FileNode

	// Read state
	reader io.ReadCloser
	offset int64
}

var (
	_ webdav.File            = (*davFile)(nil)
	_ webdav.DeadPropsHolder = (*davFile)(nil)
)

func (f *davFile) Close() error {
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
	if !f.writable || !f.dirty {
		return nil
	}
	f.writable = false
	f.dirty = false
	return f.upload()
}

func (f *davFile) upload() error {
	ctx := f.ctx
	content := f.buf.Bytes()

	var n models.FileNode
	if f.node != nil {
		n = *f.node
	} else {
		id, err := f.fs.newNodeID(ctx, f.name)
		if err != nil {
			return err
		}
		n = models.FileNode{
			ID:         id,
			Name:       path.Base(f.name),
			Path:       f.name,
			ParentPath: f.parent.Path,
			OwnerID:    ownerFor(ctx, f.parent),
		}
	}
	if n.StorageKey == "" {
		n.StorageKey = storageKey(n.ID)
	}

	if src := f.copyFrom; src != nil {
		if err := f.fs.backend.CopyObject(ctx, src.StorageKey, n.StorageKey); err != nil {
			return err
		}
		n.Hash = src.Hash
		n.Size = src.Size
	} else {
		if err := f.fs.backend.PutObject(ctx, n.StorageKey, bytes.NewReader(content), int64(len(content))); err != nil {
			return err
		}
		h := sha256.Sum256(content)
		n.Hash = fmt.Sprintf("%x", h)
		n.Size = int64(len(content))
	}
	n.ModTime = time.Now()

	if err := f.fs.metadata.UpsertNode(ctx, &n); err != nil {
		return err
	}
	f.node = &n

	logging.WithContext(ctx).Debug("webdav file written",
		zap.String("path", n.Path),
		zap.Int64("size", n.Size))
	return nil
}

func (f *davFile) Read(p []byte) (int, error) {
	if f.writable {
		return 0, fmt.Errorf("file opened for writing")
	}
	if f.node == nil || f.node.IsDir {
		return 0, fmt.Errorf("%s is not a regular file", f.name)
	}

	// Lazy fetch from the content backend
	if f.reader == nil {
		if f.offset >= f.node.Size {
			return 0, io.EOF
		}
		reader, _, err := f.fs.backend.GetObject(f.ctx, f.node.StorageKey, f.offset, 0)
		if err != nil {
			return 0, err
		}
		f.reader = reader
	}

	n, err := f.reader.Read(p)
	f.offset += int64(n)
	return n, err
}

func (f *davFile) Write(p []byte) (int, error) {
	if !f.writable {
		return 0, fmt.Errorf("file not opened for writing")
	}
	if f.copyFrom != nil {
		return 0, fmt.Errorf("%s already holds copied content", f.name)
	}
	if f.fs.maxUpload > 0 && int64(f.buf.Len()+len(p)) > f.fs.maxUpload {
		return 0, errUploadTooLarge
	}
	f.dirty = true
	return f.buf.Write(p)
}

// ReadFrom lets io.Copy between two files of the same filesystem, as done
// by COPY, copy the object inside the backend instead of streaming it.
func (f *davFile) ReadFrom(r io.Reader) (int64, error) {
	if src, ok := r.(*davFile); ok && f.canCopyFrom(src) {
		if f.fs.maxUpload > 0 && src.node.Size > f.fs.maxUpload {
			return 0, errUploadTooLarge
		}
		f.copyFrom = src.node
		f.dirty = true
		src.offset = src.node.Size
		return src.node.Size, nil
	}
	return io.Copy(fileWriter{f}, r)
}

func (f *davFile) canCopyFrom(src *davFile) bool {
	return f.writable && f.buf.Len() == 0 && f.copyFrom == nil &&
		src.fs == f.fs && !src.writable && src.offset == 0 &&
		src.node != nil && !src.node.IsDir && src.node.StorageKey != ""
}

// fileWriter hides davFile.ReadFrom from io.Copy.
type fileWriter struct {
	f *davFile
}

func (w fileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (f *davFile) Seek(offset int64, whence int) (int64, error) {
	var totalSize int64
	if f.node != nil {
		totalSize = f.node.Size
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = totalSize + offset
	}

	if newOffset < 0 {
		return 0, fmt.Errorf("negative seek position")
	}

	// An open reader is positioned at the old offset; re-fetch on next Read.
	if f.reader != nil && newOffset != f.offset {
		f.reader.Close()
		f.reader = nil
	}

	f.offset = newOffset
	return newOffset, nil
}

// Readdir lists the children the requesting user may read.
func (f *davFile) Readdir(count int) ([]os.FileInfo, error) {
	if f.node == nil || !f.node.IsDir {
		return nil, fmt.Errorf("not a directory")
	}

	children, err := f.fs.metadata.ListDir(f.ctx, f.name)
	if err != nil {
		return nil, err
	}

	var infos []os.FileInfo
	for _, child := range children {
		a, err := resolveAccess(f.ctx, f.fs.access, child)
		if err != nil {
			return nil, err
		}
		if !a.Can(sharing.PermissionRead) {
			continue
		}
		infos = append(infos, newFileInfo(child))
	}

	if count > 0 && len(infos) > count {
		infos = infos[:count]
	}
	return infos, nil
}

func (f *davFile) Stat() (os.FileInfo, error) {
	if f.writable {
		size := int64(f.buf.Len())
		if f.copyFrom != nil {
			size = f.copyFrom.Size
		}
		return &fileInfo{
			name:    path.Base(f.name),
			size:    size,
			modTime: time.Now(),
		}, nil
	}
	if f.node == nil {
		return nil, os.ErrNotExist
	}
	return newFileInfo(f.node), nil
}

// DeadProps reports the plugin properties the current PROPFIND needs.
// Outside PROPFIND there are none: the values are computed, not stored.
func (f *davFile) DeadProps() (map[xml.Name]webdav.Property, error) {
	q := QueryFrom(f.ctx)
	if f.node == nil || q == nil {
		return nil, nil
	}

	props := make(map[xml.Name]webdav.Property)
	for _, p := range f.fs.plugins {
		for _, name := range p.Properties() {
			if !q.Wants(name) {
				continue
			}
			value, ok, err := p.PropertyValue(f.ctx, f.node, name)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			props[name] = webdav.Property{
				XMLName:  name,
				InnerXML: []byte(escapeXML(value)),
			}
		}
	}
	return props, nil
}

// Patch refuses every change: plugin properties are computed and no other
// dead properties are stored.
func (f *davFile) Patch(patches []webdav.Proppatch) ([]webdav.Propstat, error) {
	pstat := webdav.Propstat{Status: http.StatusForbidden}
	for _, patch := range patches {
		for _, prop := range patch.Props {
			pstat.Props = append(pstat.Props, webdav.Property{XMLName: prop.XMLName})
		}
	}
	return []webdav.Propstat{pstat}, nil
}

// fileInfo implements os.FileInfo and webdav.ETager.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	hash    string
}

func newFileInfo(n *models.FileNode) *fileInfo {
	return &fileInfo{
		name:    n.Name,
		size:    n.Size,
		isDir:   n.IsDir,
		modTime: n.ModTime,
		hash:    n.Hash,
	}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

// ETag returns the content hash; directories fall back to the default.
func (fi *fileInfo) ETag(context.Context) (string, error) {
	if fi.hash == "" {
		return "", webdav.ErrNotImplemented
	}
	return `"` + fi.hash + `"`, nil
}
