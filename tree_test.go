package squashfs

import (
	"errors"
	"testing"
)

func TestTreeSortedInsert(t *testing.T) {
	tr := NewTree()
	for _, p := range []string{"/zebra", "/alpha", "/mango", "/bravo"} {
		if err := tr.Add(p, &Node{Mode: S_IFREG | 0644}); err != nil {
			t.Fatalf("Add %s: %s", p, err)
		}
	}

	var names []string
	for _, c := range tr.Root().children {
		names = append(names, c.Name)
	}
	want := []string{"alpha", "bravo", "mango", "zebra"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("children = %v, want %v", names, want)
		}
	}
}

func TestTreeDuplicateRejected(t *testing.T) {
	tr := NewTree()
	if err := tr.Add("/a", &Node{Mode: S_IFREG | 0644}); err != nil {
		t.Fatalf("Add: %s", err)
	}
	err := tr.Add("/a", &Node{Mode: S_IFREG | 0644})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("duplicate insert returned %v", err)
	}
}

func TestTreeImplicitDirs(t *testing.T) {
	tr := NewTree()
	tr.DefaultUID = 7
	tr.DefaultMode = 0711
	if err := tr.Add("/usr/share/doc/readme", &Node{Mode: S_IFREG | 0644}); err != nil {
		t.Fatalf("Add: %s", err)
	}

	usr := tr.Lookup("/usr")
	if usr == nil || !usr.IsDir() {
		t.Fatal("implicit /usr missing")
	}
	if usr.UID != 7 || usr.Mode&0xfff != 0711 {
		t.Errorf("implicit dir attributes = uid %d mode %o", usr.UID, usr.Mode&0xfff)
	}
	if tr.Lookup("/usr/share/doc/readme") == nil {
		t.Error("leaf not reachable")
	}
	if tr.Count() != 5 {
		t.Errorf("node count = %d, want 5", tr.Count())
	}
}

func TestTreeBadPaths(t *testing.T) {
	tr := NewTree()
	for _, p := range []string{"", "/a/../b", "/a//b", "relative"} {
		if err := tr.Add(p, &Node{Mode: S_IFREG | 0644}); !errors.Is(err, ErrBadPath) {
			t.Errorf("Add(%q) returned %v, want ErrBadPath", p, err)
		}
	}
}

func TestTreePostOrderNumbering(t *testing.T) {
	tr := NewTree()
	paths := []string{"/d1/f1", "/d1/f2", "/d2/sub/f3", "/top"}
	for _, p := range paths {
		if err := tr.Add(p, &Node{Mode: S_IFREG | 0644}); err != nil {
			t.Fatalf("Add %s: %s", p, err)
		}
	}
	tr.finalize()

	if got := tr.Root().inodeNum; got != 1 {
		t.Errorf("root inode number = %d, want 1", got)
	}

	// every parent must be numbered after all of its children
	var check func(n *Node)
	check = func(n *Node) {
		for _, c := range n.children {
			if n.parent != nil && c.inodeNum >= n.inodeNum {
				t.Errorf("child %s (#%d) numbered after parent %s (#%d)",
					c.Name, c.inodeNum, n.Name, n.inodeNum)
			}
			check(c)
		}
	}
	check(tr.Root())

	// directory link counts: 2 plus one per subdirectory
	if nl := tr.Root().nlink; nl != 2+2 {
		t.Errorf("root nlink = %d, want 4", nl)
	}
	if nl := tr.Lookup("/d2").nlink; nl != 3 {
		t.Errorf("/d2 nlink = %d, want 3", nl)
	}
}

func TestTreeFileThroughNonDir(t *testing.T) {
	tr := NewTree()
	if err := tr.Add("/f", &Node{Mode: S_IFREG | 0644}); err != nil {
		t.Fatalf("Add: %s", err)
	}
	if err := tr.Add("/f/below", &Node{Mode: S_IFREG | 0644}); !errors.Is(err, ErrBadPath) {
		t.Errorf("path through file returned %v", err)
	}
}
