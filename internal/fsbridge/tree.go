package fsbridge

import (
	"bufio"
	"path"
	"sort"
	"strings"
)

// EntryType distinguishes files from directories.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t == TypeFile || t == TypeDirectory
}

// FileNode is one entry of a listed directory tree. Only directories carry
// children.
type FileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     EntryType   `json:"type"`
	Children []*FileNode `json:"children,omitempty"`
}

// Entry is a single flat listing line.
type Entry struct {
	Path string
	Type EntryType
}

// BuildTree nests a flat listing under root. Entries whose parent is root or
// was not listed become top-level nodes. Siblings are ordered by path.
func BuildTree(root string, entries []Entry) []*FileNode {
	root = path.Clean(root)

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	nodes := make(map[string]*FileNode, len(sorted))
	order := make([]*FileNode, 0, len(sorted))
	for _, e := range sorted {
		p := path.Clean(e.Path)
		if p == root {
			continue
		}
		if _, dup := nodes[p]; dup {
			continue
		}
		node := &FileNode{Name: path.Base(p), Path: p, Type: e.Type}
		nodes[p] = node
		order = append(order, node)
	}

	top := make([]*FileNode, 0)
	for _, node := range order {
		parent := path.Dir(node.Path)
		if parent == root {
			top = append(top, node)
			continue
		}
		pn, ok := nodes[parent]
		if !ok || pn.Type != TypeDirectory {
			top = append(top, node)
			continue
		}
		pn.Children = append(pn.Children, node)
	}
	return top
}

// parseListing reads "d\t<path>" / "f\t<path>" lines.
func parseListing(out string) []Entry {
	var entries []Entry
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		kind, p, ok := strings.Cut(line, "\t")
		if !ok || p == "" {
			continue
		}
		switch kind {
		case "d":
			entries = append(entries, Entry{Path: p, Type: TypeDirectory})
		case "f":
			entries = append(entries, Entry{Path: p, Type: TypeFile})
		}
	}
	return entries
}
