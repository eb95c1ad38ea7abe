package sharing

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/fruitsalade/sharedav/pkg/models"
)

func TestPathSegments(t *testing.T) {
	tests := []struct {
		path     string
		expected []string
	}{
		{"/a/b/c", []string{"/a/b/c", "/a/b", "/a", "/"}},
		{"/docs", []string{"/docs", "/"}},
		{"/", []string{"/"}},
		{"/a/b/c/d/e", []string{"/a/b/c/d/e", "/a/b/c/d", "/a/b/c", "/a/b", "/a", "/"}},
		{"/docs/sub/file.txt", []string{"/docs/sub/file.txt", "/docs/sub", "/docs", "/"}},
	}

	for _, tt := range tests {
		result := PathSegments(tt.path)
		if !reflect.DeepEqual(result, tt.expected) {
			t.Errorf("PathSegments(%s) = %v, want %v", tt.path, result, tt.expected)
		}
	}
}

func TestShareTypeNames(t *testing.T) {
	for _, st := range []ShareType{ShareTypeUser, ShareTypeGroup, ShareTypeLink} {
		parsed, err := ParseShareType(st.String())
		if err != nil {
			t.Fatalf("ParseShareType(%q): %v", st.String(), err)
		}
		if parsed != st {
			t.Errorf("ParseShareType(%q) = %d, want %d", st.String(), parsed, st)
		}
	}
	if _, err := ParseShareType("federated"); err == nil {
		t.Error("expected error for unknown share type")
	}
	if got := ShareType(42).String(); got != "unknown(42)" {
		t.Errorf("ShareType(42).String() = %q", got)
	}
}

type fakeReceived struct {
	byPath map[string]int
	err    error
	calls  [][]string
}

func (f *fakeReceived) ReceivedPermissions(_ context.Context, _ int, _ []int, paths []string) (int, bool, error) {
	f.calls = append(f.calls, paths)
	if f.err != nil {
		return 0, false, f.err
	}
	for _, p := range paths {
		if perms, ok := f.byPath[p]; ok {
			return perms, true, nil
		}
	}
	return 0, false, nil
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	src := &fakeReceived{byPath: map[string]int{
		"/alice/docs": PermissionRead | PermissionUpdate,
	}}
	r := NewPermissionResolver(src)

	alice := Principal{UserID: 1}
	bob := Principal{UserID: 2}
	admin := Principal{UserID: 3, IsAdmin: true}

	owned := &models.FileNode{Path: "/alice/docs/a.txt", OwnerID: 1}
	private := &models.FileNode{Path: "/alice/private.txt", OwnerID: 1}
	root := &models.FileNode{Path: "/", IsDir: true}

	tests := []struct {
		name string
		p    Principal
		node *models.FileNode
		want Access
	}{
		{"owner", alice, owned, Access{Permissions: PermissionAll}},
		{"admin", admin, private, Access{Permissions: PermissionAll}},
		{"received via ancestor", bob, owned, Access{Permissions: PermissionRead | PermissionUpdate, Shared: true}},
		{"no share", bob, private, Access{}},
		{"unowned", bob, root, Access{Permissions: PermissionAll &^ PermissionShare}},
	}

	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.p, tt.node)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: Resolve = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestResolvePropagatesErrors(t *testing.T) {
	boom := errors.New("db down")
	r := NewPermissionResolver(&fakeReceived{err: boom})
	_, err := r.Resolve(context.Background(), Principal{UserID: 2}, &models.FileNode{Path: "/x", OwnerID: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestAccessFlags(t *testing.T) {
	a := Access{Permissions: PermissionAll, Shared: true}
	dir := &models.FileNode{IsDir: true, MountPoint: true}

	flags := a.Flags(dir)
	if flags.Kind != KindDirectory || !flags.IsShared || !flags.IsMounted {
		t.Errorf("unexpected flags %+v", flags)
	}
	if got := DavPermissions(flags); got != "SRMDNVCK" {
		t.Errorf("DavPermissions = %q, want SRMDNVCK", got)
	}
	if !a.Can(PermissionRead | PermissionDelete) {
		t.Error("expected read+delete to be granted")
	}
	if (Access{Permissions: PermissionRead}).Can(PermissionUpdate) {
		t.Error("read-only access must not grant update")
	}
}
