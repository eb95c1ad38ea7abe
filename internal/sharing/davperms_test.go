package sharing

import "testing"

func TestDavPermissions(t *testing.T) {
	tests := []struct {
		perms   int
		kind    NodeKind
		shared  bool
		mounted bool
		want    string
	}{
		{PermissionAll, KindFile, false, false, "RDNVW"},
		{PermissionAll, KindDirectory, false, false, "RDNVCK"},
		{PermissionAll, KindFile, true, false, "SRDNVW"},
		{PermissionAll, KindFile, true, true, "SRMDNVW"},
		{PermissionAll - PermissionShare, KindFile, true, false, "SDNVW"},
		{PermissionAll - PermissionUpdate, KindFile, false, false, "RD"},
		{PermissionAll - PermissionDelete, KindFile, false, false, "RNVW"},
		{PermissionAll - PermissionCreate, KindFile, false, false, "RDNVW"},
		{PermissionAll - PermissionCreate, KindDirectory, false, false, "RDNV"},
		{PermissionRead, KindDirectory, false, true, "M"},
		{0, KindFile, false, false, ""},
	}

	for _, tt := range tests {
		flags := FlagsFromMask(tt.kind, tt.perms, tt.shared, tt.mounted)
		got := DavPermissions(flags)
		if got != tt.want {
			t.Errorf("DavPermissions(%d, %s, shared=%v, mounted=%v) = %q, want %q",
				tt.perms, tt.kind, tt.shared, tt.mounted, got, tt.want)
		}
		// Same input, same output.
		if again := DavPermissions(flags); again != got {
			t.Errorf("DavPermissions not stable: %q then %q", got, again)
		}
	}
}

func TestDavPermissionsLetterOrder(t *testing.T) {
	const order = "SRMDNVWCK"
	for mask := 0; mask <= PermissionAll; mask++ {
		for _, kind := range []NodeKind{KindFile, KindDirectory} {
			for _, shared := range []bool{false, true} {
				for _, mounted := range []bool{false, true} {
					s := DavPermissions(FlagsFromMask(kind, mask, shared, mounted))
					last := -1
					seen := map[rune]bool{}
					for _, r := range s {
						idx := indexRune(order, r)
						if idx < 0 {
							t.Fatalf("unexpected letter %q in %q", r, s)
						}
						if idx <= last {
							t.Fatalf("letters out of order in %q", s)
						}
						if seen[r] {
							t.Fatalf("duplicate letter %q in %q", r, s)
						}
						seen[r] = true
						last = idx
					}
				}
			}
		}
	}
}

func indexRune(s string, r rune) int {
	for i, c := range s {
		if c == r {
			return i
		}
	}
	return -1
}

func TestSharePermissions(t *testing.T) {
	tests := []struct {
		kind                                   NodeKind
		canShare, canCreate, canUpdate, canDel bool
		want                                   int
	}{
		{KindFile, false, false, false, false, 0},
		{KindFile, false, false, false, true, 0},
		{KindFile, false, false, true, false, 0},
		{KindFile, false, false, true, true, 0},
		{KindFile, false, true, false, false, 0},
		{KindFile, false, true, false, true, 0},
		{KindFile, false, true, true, false, 0},
		{KindFile, false, true, true, true, 0},
		{KindFile, true, false, false, false, 17},
		{KindFile, true, false, false, true, 17},
		{KindFile, true, false, true, false, 19},
		{KindFile, true, false, true, true, 19},
		{KindFile, true, true, false, false, 17},
		{KindFile, true, true, false, true, 17},
		{KindFile, true, true, true, false, 19},
		{KindFile, true, true, true, true, 19},
		{KindDirectory, false, false, false, false, 0},
		{KindDirectory, false, false, false, true, 0},
		{KindDirectory, false, false, true, false, 0},
		{KindDirectory, false, false, true, true, 0},
		{KindDirectory, false, true, false, false, 0},
		{KindDirectory, false, true, false, true, 0},
		{KindDirectory, false, true, true, false, 0},
		{KindDirectory, false, true, true, true, 0},
		{KindDirectory, true, false, false, false, 17},
		{KindDirectory, true, false, false, true, 25},
		{KindDirectory, true, false, true, false, 19},
		{KindDirectory, true, false, true, true, 27},
		{KindDirectory, true, true, false, false, 21},
		{KindDirectory, true, true, false, true, 29},
		{KindDirectory, true, true, true, false, 23},
		{KindDirectory, true, true, true, true, 31},
	}

	for _, tt := range tests {
		got := SharePermissions(tt.kind, tt.canShare, tt.canCreate, tt.canUpdate, tt.canDel)
		if got != tt.want {
			t.Errorf("SharePermissions(%s, share=%v, create=%v, update=%v, delete=%v) = %d, want %d",
				tt.kind, tt.canShare, tt.canCreate, tt.canUpdate, tt.canDel, got, tt.want)
		}
	}
}

func TestSharePermissionsFor(t *testing.T) {
	flags := FlagsFromMask(KindDirectory, PermissionAll, true, true)
	if got := SharePermissionsFor(flags); got != PermissionAll {
		t.Errorf("SharePermissionsFor(all, dir) = %d, want %d", got, PermissionAll)
	}
	flags = FlagsFromMask(KindFile, PermissionAll-PermissionShare, false, false)
	if got := SharePermissionsFor(flags); got != 0 {
		t.Errorf("SharePermissionsFor(no share) = %d, want 0", got)
	}
}
