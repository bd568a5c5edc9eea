package squashfs

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Node is one entry of the in-memory filesystem tree being packed into an
// image. Nodes are owned by the Tree; parent is a back-reference only.
type Node struct {
	Name    string // name component, empty for the root
	Mode    uint16 // S_IF* type bits + 12-bit permissions
	UID     uint32
	GID     uint32
	ModTime int32
	Xattrs  []Xattr

	// FILE: Content reopens the source data; it is called once during the
	// data phase and must deliver exactly Size bytes.
	Content    func() (io.ReadCloser, error)
	Size       uint64
	blocks     []uint32 // on-disk block size entries, compression flag in bit 24
	startBlock uint64
	fragIndex  uint32
	fragOffset uint32
	tailLen    uint32

	// SYMLINK
	Target string

	// BLOCKDEV / CHARDEV
	Rdev uint32

	parent   *Node
	children []*Node // DIR only, sorted by name

	// serialization state
	inodeNum uint32
	inodeRef inodeRef
	xattrID  uint32
	nlink    uint32

	// DIR listing position, recorded when the listing is emitted
	dirStartBlock uint32
	dirOffset     uint16
	dirSize       uint32
}

// Type derives the basic inode type from the node's mode bits.
func (n *Node) Type() Type {
	return TypeFromUnixMode(uint32(n.Mode))
}

func (n *Node) IsDir() bool {
	return n.Mode&S_IFMT == S_IFDIR
}

// Path reconstructs the absolute image path, for diagnostics.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	parts := []string{}
	for c := n; c.parent != nil; c = c.parent {
		parts = append(parts, c.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Tree is the sorted in-memory filesystem tree. The root directory always
// exists; its attributes can be overridden through defaults.
type Tree struct {
	root  *Node
	count uint32 // nodes including root

	// attributes applied to the root and to implicitly created directories
	DefaultUID     uint32
	DefaultGID     uint32
	DefaultMode    uint16
	DefaultModTime int32
}

func NewTree() *Tree {
	t := &Tree{DefaultMode: 0755}
	t.root = &Node{Mode: S_IFDIR | t.DefaultMode}
	t.count = 1
	return t
}

func (t *Tree) Root() *Node { return t.root }

// Count returns the number of nodes, including the implicit root.
func (t *Tree) Count() uint32 { return t.count }

// splitPath validates and splits an absolute image path.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, ErrBadPath
	}
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}
	return parts, nil
}

// Add inserts a node at the given absolute path, creating missing parent
// directories with the tree defaults. Adding "/" updates the root's
// attributes in place instead.
func (t *Tree) Add(path string, n *Node) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		if !n.IsDir() {
			return fmt.Errorf("%w: root must be a directory", ErrBadPath)
		}
		t.root.Mode = n.Mode
		t.root.UID = n.UID
		t.root.GID = n.GID
		t.root.ModTime = n.ModTime
		t.root.Xattrs = n.Xattrs
		return nil
	}

	dir := t.root
	for _, comp := range parts[:len(parts)-1] {
		child := dir.child(comp)
		if child == nil {
			child = &Node{
				Name:    comp,
				Mode:    S_IFDIR | t.DefaultMode,
				UID:     t.DefaultUID,
				GID:     t.DefaultGID,
				ModTime: t.DefaultModTime,
			}
			dir.insertChild(child)
			t.count++
		}
		if !child.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrBadPath, child.Path())
		}
		dir = child
	}

	n.Name = parts[len(parts)-1]
	if dir.child(n.Name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, path)
	}
	dir.insertChild(n)
	t.count++
	return nil
}

// Lookup resolves an absolute image path, or nil.
func (t *Tree) Lookup(path string) *Node {
	parts, err := splitPath(path)
	if err != nil {
		return nil
	}
	n := t.root
	for _, comp := range parts {
		if n = n.child(comp); n == nil {
			return nil
		}
	}
	return n
}

func (n *Node) child(name string) *Node {
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].Name >= name
	})
	if i < len(n.children) && n.children[i].Name == name {
		return n.children[i]
	}
	return nil
}

func (n *Node) insertChild(c *Node) {
	c.parent = n
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].Name >= c.Name
	})
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
}

// finalize assigns inode numbers in post-order (children before parents, the
// root fixed at 1) and computes link counts. Must run before serialization;
// the walk order here is the exact order inodes are later emitted in.
func (t *Tree) finalize() {
	next := uint32(2)
	var walk func(n *Node)
	walk = func(n *Node) {
		nlink := uint32(1)
		if n.IsDir() {
			nlink = 2 // "." and the parent's entry
		}
		for _, c := range n.children {
			walk(c)
			if c.IsDir() {
				nlink++
			}
		}
		n.nlink = nlink
		n.fragIndex = invalidFragment
		n.xattrID = invalidXattr
		if n.parent != nil {
			n.inodeNum = next
			next++
		}
	}
	walk(t.root)
	t.root.inodeNum = 1
}

// postOrder invokes fn children-first; the root comes last.
func (t *Tree) postOrder(fn func(n *Node) error) error {
	var walk func(n *Node) error
	walk = func(n *Node) error {
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return fn(n)
	}
	return walk(t.root)
}

// files invokes fn on every regular file in tree order (the order data
// blocks are submitted in).
func (t *Tree) files(fn func(n *Node) error) error {
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n.Mode&S_IFMT == S_IFREG {
			if err := fn(n); err != nil {
				return err
			}
		}
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.root)
}
