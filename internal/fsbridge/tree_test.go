package fsbridge

import (
	"testing"
)

func TestBuildTree(t *testing.T) {
	entries := []Entry{
		{Path: "/workspace/src/pkg/util.go", Type: TypeFile},
		{Path: "/workspace/README.md", Type: TypeFile},
		{Path: "/workspace/src", Type: TypeDirectory},
		{Path: "/workspace/src/pkg", Type: TypeDirectory},
		{Path: "/workspace/src/main.go", Type: TypeFile},
	}

	tree := BuildTree("/workspace", entries)

	if len(tree) != 2 {
		t.Fatalf("top level = %d nodes; want 2", len(tree))
	}
	if tree[0].Name != "README.md" || tree[1].Name != "src" {
		t.Errorf("top level = %s, %s; want README.md, src", tree[0].Name, tree[1].Name)
	}

	src := tree[1]
	if len(src.Children) != 2 {
		t.Fatalf("src children = %d; want 2", len(src.Children))
	}
	if src.Children[0].Path != "/workspace/src/main.go" {
		t.Errorf("src.Children[0] = %s", src.Children[0].Path)
	}
	pkg := src.Children[1]
	if pkg.Type != TypeDirectory || len(pkg.Children) != 1 || pkg.Children[0].Name != "util.go" {
		t.Errorf("pkg = %+v", pkg)
	}
}

func TestBuildTree_NestsEachNodeOnce(t *testing.T) {
	entries := []Entry{
		{Path: "/w/a", Type: TypeDirectory},
		{Path: "/w/a/b", Type: TypeDirectory},
		{Path: "/w/a/b/c.txt", Type: TypeFile},
		{Path: "/w/a/b/c.txt", Type: TypeFile},
		{Path: "/w/a/d.txt", Type: TypeFile},
	}

	tree := BuildTree("/w", entries)

	seen := map[string]int{}
	var walk func(parent string, nodes []*FileNode)
	walk = func(parent string, nodes []*FileNode) {
		for _, n := range nodes {
			seen[n.Path]++
			if parent != "" && n.Path[:len(parent)] != parent {
				t.Errorf("%s nested under %s", n.Path, parent)
			}
			walk(n.Path, n.Children)
		}
	}
	walk("", tree)

	for _, e := range entries {
		if seen[e.Path] != 1 {
			t.Errorf("%s appears %d times; want 1", e.Path, seen[e.Path])
		}
	}
}

func TestBuildTree_Orphans(t *testing.T) {
	// Parent directory missing from the listing.
	entries := []Entry{
		{Path: "/w/ghost/file.txt", Type: TypeFile},
		{Path: "/w/top.txt", Type: TypeFile},
	}

	tree := BuildTree("/w", entries)

	if len(tree) != 2 {
		t.Fatalf("top level = %d; want 2", len(tree))
	}
	if tree[0].Path != "/w/ghost/file.txt" {
		t.Errorf("orphan should be top-level, got %s", tree[0].Path)
	}
}

func TestBuildTree_SkipsRootAndEmpty(t *testing.T) {
	if got := BuildTree("/w", nil); len(got) != 0 {
		t.Errorf("BuildTree(nil) = %d nodes; want 0", len(got))
	}

	tree := BuildTree("/w/", []Entry{{Path: "/w", Type: TypeDirectory}, {Path: "/w/x", Type: TypeFile}})
	if len(tree) != 1 || tree[0].Path != "/w/x" {
		t.Errorf("tree = %+v; want only /w/x", tree)
	}
}

func TestParseListing(t *testing.T) {
	out := "d\t/w/src\nf\t/w/src/main.go\n\ngarbage\nx\t/w/unknown\nf\t/w/with space.txt\n"

	entries := parseListing(out)

	want := []Entry{
		{Path: "/w/src", Type: TypeDirectory},
		{Path: "/w/src/main.go", Type: TypeFile},
		{Path: "/w/with space.txt", Type: TypeFile},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v; want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %+v; want %+v", i, entries[i], want[i])
		}
	}
}

func TestEntryType_Valid(t *testing.T) {
	tests := []struct {
		typ  EntryType
		want bool
	}{
		{TypeFile, true},
		{TypeDirectory, true},
		{EntryType(""), false},
		{EntryType("link"), false},
	}
	for _, tt := range tests {
		if got := tt.typ.Valid(); got != tt.want {
			t.Errorf("EntryType(%q).Valid() = %v; want %v", tt.typ, got, tt.want)
		}
	}
}
