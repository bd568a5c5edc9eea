package squashfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"
)

func TestSplitPackLine(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"# just a comment", nil},
		{"dir / 0755 0 0", []string{"dir", "/", "0755", "0", "0"}},
		{"  file\t/a  0644 0 0  ", []string{"file", "/a", "0644", "0", "0"}},
		{`file "/with space" 0644 0 0`, []string{"file", "/with space", "0644", "0", "0"}},
		{`file "/quo\"te" 0644 0 0`, []string{"file", `/quo"te`, "0644", "0", "0"}},
		{"dir /d 0755 0 0 # trailing comment", []string{"dir", "/d", "0755", "0", "0"}},
	}
	for _, c := range cases {
		got, err := splitPackLine(c.line)
		if err != nil {
			t.Errorf("splitPackLine(%q): %s", c.line, err)
			continue
		}
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("splitPackLine(%q) (-want +got):\n%s", c.line, diff)
		}
	}

	if _, err := splitPackLine(`file "/unterminated 0644 0 0`); err == nil {
		t.Error("unterminated quote accepted")
	}
}

func TestReadPackFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello"), []byte("helloworld"), 0644); err != nil {
		t.Fatal(err)
	}

	pack := `
# image description
dir /          0755 0 0
dir /dev       0755 0 0
file /hello    0644 1000 1000
slink /link    0777 0 0 hello
nod /dev/null  0666 0 0 c 1 3
pipe /fifo     0644 0 0
sock /sock     0644 0 0
`
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws)
	if err != nil {
		t.Fatalf("NewWriter: %s", err)
	}
	if err := ReadPackFile(w, strings.NewReader(pack), dir); err != nil {
		t.Fatalf("ReadPackFile: %s", err)
	}

	hello := w.Tree().Lookup("/hello")
	if hello == nil {
		t.Fatal("missing /hello")
	}
	if hello.Size != 10 || hello.UID != 1000 || hello.GID != 1000 {
		t.Errorf("hello size=%d uid=%d gid=%d", hello.Size, hello.UID, hello.GID)
	}

	link := w.Tree().Lookup("/link")
	if link == nil || link.Target != "hello" {
		t.Error("symlink target not recorded")
	}

	null := w.Tree().Lookup("/dev/null")
	if null == nil {
		t.Fatal("missing /dev/null")
	}
	if null.Mode&S_IFMT != S_IFCHR {
		t.Errorf("null mode = %o", null.Mode)
	}
	if null.Rdev != packRdev(1, 3) {
		t.Errorf("null rdev = %#x", null.Rdev)
	}

	for _, c := range []struct {
		path string
		ifmt uint16
	}{{"/fifo", S_IFIFO}, {"/sock", S_IFSOCK}} {
		n := w.Tree().Lookup(c.path)
		if n == nil || n.Mode&S_IFMT != c.ifmt {
			t.Errorf("%s not recorded with type %o", c.path, c.ifmt)
		}
	}
}

func TestReadPackFileErrors(t *testing.T) {
	cases := []string{
		"file /a",                     // too few fields
		"file /a 9999 0 0",            // bad octal mode
		"nod /dev/x 0600 0 0 q 1 2",   // bad device type
		"slink /l 0777 0 0",           // missing target
		"widget /a 0644 0 0",          // unknown type
	}
	for _, line := range cases {
		ws := &writerseeker.WriterSeeker{}
		w, err := NewWriter(ws)
		if err != nil {
			t.Fatalf("NewWriter: %s", err)
		}
		if err := ReadPackFile(w, strings.NewReader(line), t.TempDir()); err == nil {
			t.Errorf("pack line %q accepted", line)
		}
	}
}

func TestPackRdev(t *testing.T) {
	if r := packRdev(1, 3); r != 0x103 {
		t.Errorf("packRdev(1,3) = %#x", r)
	}
	if r := packRdev(8, 256); r != 8<<8|256<<12 {
		t.Errorf("packRdev(8,256) = %#x", r)
	}
}
