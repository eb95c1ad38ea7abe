package webdav

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/metadata/postgres"
	"github.com/fruitsalade/sharedav/internal/sharing"
	"github.com/fruitsalade/sharedav/internal/storage/local"
	"github.com/fruitsalade/sharedav/pkg/models"
)

// memTree is an in-memory Metadata.
type memTree struct {
	nodes map[string]*models.FileNode
}

func newMemTree() *memTree {
	t := &memTree{nodes: map[string]*models.FileNode{}}
	t.add(&models.FileNode{Name: "/", Path: "/", ParentPath: "/", IsDir: true})
	return t
}

func (t *memTree) add(n *models.FileNode) *models.FileNode {
	if n.ID == "" {
		n.ID = postgres.NodeID(n.Path)
	}
	if n.Name == "" {
		n.Name = n.Path[strings.LastIndex(n.Path, "/")+1:]
	}
	if n.ParentPath == "" {
		n.ParentPath = postgres.ParentPath(n.Path)
	}
	if n.ModTime.IsZero() {
		n.ModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	t.nodes[n.Path] = n
	return n
}

func (t *memTree) GetNode(_ context.Context, p string) (*models.FileNode, error) {
	n, ok := t.nodes[postgres.NormalizePath(p)]
	if !ok {
		return nil, nil
	}
	c := *n
	return &c, nil
}

func (t *memTree) GetNodeByID(_ context.Context, id string) (*models.FileNode, error) {
	for _, n := range t.nodes {
		if n.ID == id {
			c := *n
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTree) ListDir(_ context.Context, p string) ([]*models.FileNode, error) {
	p = postgres.NormalizePath(p)
	var out []*models.FileNode
	for _, n := range t.nodes {
		if n.ParentPath == p && n.Path != "/" {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *memTree) UpsertNode(_ context.Context, n *models.FileNode) error {
	if existing, ok := t.nodes[n.Path]; ok {
		existing.Size = n.Size
		existing.ModTime = n.ModTime
		existing.Hash = n.Hash
		existing.StorageKey = n.StorageKey
		if existing.OwnerID == 0 {
			existing.OwnerID = n.OwnerID
		}
		return nil
	}
	c := *n
	t.nodes[n.Path] = &c
	return nil
}

func (t *memTree) DeleteTree(_ context.Context, p string) (int64, error) {
	var count int64
	for key := range t.nodes {
		if key == p || strings.HasPrefix(key, p+"/") {
			delete(t.nodes, key)
			count++
		}
	}
	return count, nil
}

func (t *memTree) MoveTree(_ context.Context, oldPath, newPath string) error {
	moved := map[string]*models.FileNode{}
	for key, n := range t.nodes {
		if key == oldPath || strings.HasPrefix(key, oldPath+"/") {
			delete(t.nodes, key)
			n.Path = newPath + strings.TrimPrefix(n.Path, oldPath)
			n.ParentPath = postgres.ParentPath(n.Path)
			n.Name = n.Path[strings.LastIndex(n.Path, "/")+1:]
			moved[n.Path] = n
		}
	}
	if len(moved) == 0 {
		return errors.New("not found")
	}
	for key, n := range moved {
		t.nodes[key] = n
	}
	return nil
}

type lookupCall struct {
	userID    int
	shareType sharing.ShareType
	nodeID    string
	reshares  bool
	limit     int
}

// fakeShares is a ShareLookup over a fixed list of shares.
type fakeShares struct {
	shares []sharing.Share
	calls  []lookupCall
	err    error
}

func (f *fakeShares) add(shareType sharing.ShareType, node *models.FileNode, initiator int) {
	f.shares = append(f.shares, sharing.Share{
		ID:          int64(len(f.shares) + 1),
		ShareType:   shareType,
		NodeID:      node.ID,
		Path:        node.Path,
		OwnerID:     initiator,
		InitiatorID: initiator,
		Permissions: sharing.PermissionRead,
	})
}

func (f *fakeShares) GetSharesBy(_ context.Context, userID int, shareType sharing.ShareType, node *models.FileNode, reshares bool, limit int) ([]sharing.Share, error) {
	f.calls = append(f.calls, lookupCall{userID, shareType, node.ID, reshares, limit})
	if f.err != nil {
		return nil, f.err
	}
	var out []sharing.Share
	for _, sh := range f.shares {
		if sh.ShareType == shareType && sh.NodeID == node.ID && sh.InitiatorID == userID {
			out = append(out, sh)
			if limit >= 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// fakeReceived grants shares received by user ID on exact paths.
type fakeReceived struct {
	grants map[int]map[string]int // user -> path -> perms
}

func (f *fakeReceived) grant(userID int, p string, perms int) {
	if f.grants == nil {
		f.grants = map[int]map[string]int{}
	}
	if f.grants[userID] == nil {
		f.grants[userID] = map[string]int{}
	}
	f.grants[userID][p] = perms
}

func (f *fakeReceived) ReceivedPermissions(_ context.Context, userID int, _ []int, paths []string) (int, bool, error) {
	for _, p := range paths {
		if perms, ok := f.grants[userID][p]; ok {
			return perms, true, nil
		}
	}
	return 0, false, nil
}

type noGroups struct{}

func (noGroups) UserGroupIDs(context.Context, int) ([]int, error) { return nil, nil }

// memUsers is an in-memory auth.UserStore.
type memUsers struct {
	users map[string]*auth.User
}

func (m *memUsers) GetUserByName(_ context.Context, username string) (*auth.User, error) {
	return m.users[username], nil
}

func (m *memUsers) InsertUser(_ context.Context, username, hash string, isAdmin bool) (int, error) {
	id := len(m.users) + 1
	m.users[username] = &auth.User{ID: id, Username: username, PasswordHash: hash, IsAdmin: isAdmin}
	return id, nil
}

func (m *memUsers) CountUsers(context.Context) (int, error) { return len(m.users), nil }

const (
	aliceID = 1
	bobID   = 2
)

// testEnv is a fully wired handler over in-memory stores.
type testEnv struct {
	tree     *memTree
	shares   *fakeShares
	received *fakeReceived
	backend  *local.LocalBackend
	auth     *auth.Auth
	cfg      Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	backend, err := local.New(afero.NewMemMapFs(), local.Config{RootPath: "/objects", CreateDirs: true})
	require.NoError(t, err)

	a := auth.NewWithStore(&memUsers{users: map[string]*auth.User{}}, "test-secret-0123456789", time.Minute)
	id, err := a.CreateUser(ctx, "alice", "alice-pw", false)
	require.NoError(t, err)
	require.Equal(t, aliceID, id)
	id, err = a.CreateUser(ctx, "bob", "bob-pw", false)
	require.NoError(t, err)
	require.Equal(t, bobID, id)

	env := &testEnv{
		tree:     newMemTree(),
		shares:   &fakeShares{},
		received: &fakeReceived{},
		backend:  backend,
		auth:     a,
	}
	env.cfg = Config{
		Metadata:      env.tree,
		Backend:       backend,
		Shares:        env.shares,
		Access:        sharing.NewPermissionResolver(env.received),
		Groups:        noGroups{},
		Auth:          a,
		Prefix:        "/webdav",
		MaxUploadSize: 1 << 20,
	}
	return env
}

// addFile stores content and its node.
func (e *testEnv) addFile(t *testing.T, p string, owner int, content string) *models.FileNode {
	t.Helper()
	n := e.tree.add(&models.FileNode{Path: p, OwnerID: owner, Size: int64(len(content))})
	n.StorageKey = storageKey(n.ID)
	n.Hash = "h" + strconv.Itoa(len(e.tree.nodes))
	require.NoError(t, e.backend.PutObject(context.Background(), n.StorageKey, strings.NewReader(content), n.Size))
	return n
}

func (e *testEnv) addDir(p string, owner int) *models.FileNode {
	return e.tree.add(&models.FileNode{Path: p, OwnerID: owner, IsDir: true})
}

// ctxFor returns a request context for user.
func ctxFor(userID int) context.Context {
	return WithPrincipal(context.Background(), sharing.Principal{UserID: userID})
}
