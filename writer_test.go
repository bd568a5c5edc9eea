package squashfs_test

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"

	squashfs "github.com/ulziibuyan/squashfs-tools-ng"
)

var testMtime = time.Unix(1700000000, 0)

func fsReadFile(sb *squashfs.Superblock, name string) ([]byte, error) {
	return fs.ReadFile(sb, name)
}

func fsReadDir(sb *squashfs.Superblock, name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(sb, name)
}

func memReader(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func fileNode(data []byte, mode uint16, uid, gid uint32) *squashfs.Node {
	return &squashfs.Node{
		Mode:    squashfs.S_IFREG | mode,
		UID:     uid,
		GID:     gid,
		ModTime: int32(testMtime.Unix()),
		Size:    uint64(len(data)),
		Content: memReader(data),
	}
}

func buildImage(t *testing.T, populate func(w *squashfs.Writer), opts ...squashfs.WriterOption) []byte {
	t.Helper()

	ws := &writerseeker.WriterSeeker{}
	opts = append([]squashfs.WriterOption{squashfs.WithModTime(testMtime)}, opts...)
	w, err := squashfs.NewWriter(ws, opts...)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if populate != nil {
		populate(w)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	data, err := io.ReadAll(ws.BytesReader())
	if err != nil {
		t.Fatalf("reading image back: %s", err)
	}
	return data
}

// buildImageFile builds on a real file so deduplication can shrink the
// image by truncating duplicate block runs.
func buildImageFile(t *testing.T, populate func(w *squashfs.Writer), opts ...squashfs.WriterOption) []byte {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "img-*.squashfs")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	opts = append([]squashfs.WriterOption{squashfs.WithModTime(testMtime)}, opts...)
	w, err := squashfs.NewWriter(f, opts...)
	if err != nil {
		t.Fatalf("NewWriter failed: %s", err)
	}
	if populate != nil {
		populate(w)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %s", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func openImage(t *testing.T, data []byte) *squashfs.Superblock {
	t.Helper()
	sb, err := squashfs.New(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to open built image: %s", err)
	}
	return sb
}

func randBytes(seed int64, n int) []byte {
	rnd := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rnd.Read(buf)
	return buf
}

func TestEmptyRoot(t *testing.T) {
	data := buildImage(t, nil)

	if len(data) < squashfs.SuperblockSize {
		t.Fatal("image too small")
	}
	if string(data[:4]) != "hsqs" {
		t.Fatalf("bad magic: %x", data[:4])
	}

	sb := openImage(t, data)
	if sb.InodeCnt != 1 {
		t.Errorf("inode count = %d, want 1", sb.InodeCnt)
	}
	if sb.FragCount != 0 {
		t.Errorf("fragment count = %d, want 0", sb.FragCount)
	}
	if sb.IdCount != 1 {
		t.Errorf("id count = %d, want 1", sb.IdCount)
	}

	root, err := sb.FindInode(".", false)
	if err != nil {
		t.Fatalf("root lookup: %s", err)
	}
	if root.Ino != 1 {
		t.Errorf("root inode number = %d, want 1", root.Ino)
	}
	if !root.IsDir() {
		t.Error("root is not a directory")
	}
}

func TestSingleSmallFile(t *testing.T) {
	content := []byte("helloworld")
	data := buildImage(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/a", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})

	sb := openImage(t, data)
	if sb.FragCount != 1 {
		t.Errorf("fragment count = %d, want 1", sb.FragCount)
	}

	ino, err := sb.FindInode("a", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if ino.FragBlock != 0 || ino.FragOfft != 0 {
		t.Errorf("fragment = (%d,%d), want (0,0)", ino.FragBlock, ino.FragOfft)
	}
	if ino.Size != 10 {
		t.Errorf("size = %d, want 10", ino.Size)
	}

	got, err := fsReadFile(sb, "a")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestExactBlockFile(t *testing.T) {
	content := randBytes(3, 131072)
	data := buildImage(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/b", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})

	sb := openImage(t, data)
	if sb.FragCount != 0 {
		t.Errorf("fragment count = %d, want 0", sb.FragCount)
	}

	ino, err := sb.FindInode("b", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if ino.FragBlock != 0xffffffff {
		t.Errorf("unexpected fragment %d", ino.FragBlock)
	}
	if len(ino.Blocks) != 1 {
		t.Errorf("block count = %d, want 1", len(ino.Blocks))
	}
	if ino.Size != uint64(len(content)) {
		t.Errorf("size = %d, want %d", ino.Size, len(content))
	}

	got, err := fsReadFile(sb, "b")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
}

func TestMaxBlockSizeUncompressed(t *testing.T) {
	// incompressible data at the 1 MiB block-size limit: stored blocks
	// carry the uncompressed flag (bit 24) on top of the largest block size
	content := randBytes(8, 2*1024*1024+100)
	data := buildImage(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/big", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	}, squashfs.WithBlockSize(1024*1024))

	sb := openImage(t, data)
	ino, err := sb.FindInode("big", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if len(ino.Blocks) != 3 { // two full blocks plus the fragment marker
		t.Fatalf("block count = %d, want 3", len(ino.Blocks))
	}
	for _, b := range ino.Blocks[:2] {
		if b != 1024*1024|1<<24 {
			t.Errorf("block entry = %#x, want uncompressed 1 MiB", b)
		}
	}

	got, err := fsReadFile(sb, "big")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch at max block size")
	}
}

func TestDuplicateFiles(t *testing.T) {
	content := randBytes(4, 200000)
	data := buildImageFile(t, func(w *squashfs.Writer) {
		for _, p := range []string{"/x", "/y"} {
			if err := w.AddNode(p, fileNode(content, 0644, 0, 0)); err != nil {
				t.Fatalf("AddNode %s: %s", p, err)
			}
		}
	})

	sb := openImage(t, data)
	x, err := sb.FindInode("x", false)
	if err != nil {
		t.Fatalf("FindInode x: %s", err)
	}
	y, err := sb.FindInode("y", false)
	if err != nil {
		t.Fatalf("FindInode y: %s", err)
	}

	if x.StartBlock != y.StartBlock {
		t.Errorf("dedup failed: start blocks %d != %d", x.StartBlock, y.StartBlock)
	}
	if x.FragBlock != y.FragBlock || x.FragOfft != y.FragOfft {
		t.Errorf("tail dedup failed: (%d,%d) != (%d,%d)",
			x.FragBlock, x.FragOfft, y.FragBlock, y.FragOfft)
	}

	for _, name := range []string{"x", "y"} {
		got, err := fsReadFile(sb, name)
		if err != nil {
			t.Fatalf("ReadFile %s: %s", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("content mismatch for %s", name)
		}
	}

	// a second copy of the data must not appear: the image holds roughly
	// one compressed copy plus metadata
	single := buildImageFile(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/x", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})
	if len(data) > len(single)+4096 {
		t.Errorf("image with duplicate is %d bytes, single copy %d", len(data), len(single))
	}
}

func TestSparseFile(t *testing.T) {
	// 1 MiB file whose middle 128 KiB block is all zeroes
	content := randBytes(5, 1024*1024)
	for i := 4 * 131072; i < 5*131072; i++ {
		content[i] = 0
	}

	data := buildImage(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/s", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})

	sb := openImage(t, data)
	ino, err := sb.FindInode("s", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if len(ino.Blocks) != 8 {
		t.Fatalf("block count = %d, want 8", len(ino.Blocks))
	}
	if ino.Blocks[4] != 0 {
		t.Errorf("middle block entry = %#x, want sparse 0", ino.Blocks[4])
	}

	got, err := fsReadFile(sb, "s")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("sparse content mismatch")
	}
}

func TestLargeDirectory(t *testing.T) {
	data := buildImage(t, func(w *squashfs.Writer) {
		for i := 0; i < 300; i++ {
			name := fmt.Sprintf("/d/entry-%03d", i)
			if err := w.AddNode(name, fileNode(nil, 0644, 0, 0)); err != nil {
				t.Fatalf("AddNode %s: %s", name, err)
			}
		}
	})

	sb := openImage(t, data)
	entries, err := fsReadDir(sb, "d")
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	if len(entries) != 300 {
		t.Fatalf("entry count = %d, want 300", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("entry-%03d", i)
		if e.Name() != want {
			t.Fatalf("entry %d = %q, want %q (sorted order)", i, e.Name(), want)
		}
	}
}

func TestDeterminism(t *testing.T) {
	content := randBytes(6, 500000)
	populate := func(w *squashfs.Writer) {
		if err := w.AddNode("/data.bin", fileNode(content, 0644, 1000, 1000)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
		if err := w.AddNode("/etc/hosts", fileNode([]byte("127.0.0.1 localhost\n"), 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	}

	a := buildImage(t, populate, squashfs.WithNumJobs(4))
	b := buildImage(t, populate, squashfs.WithNumJobs(1), squashfs.WithQueueBacklog(2))

	if !bytes.Equal(a, b) {
		t.Error("images differ across worker counts")
	}
}

func TestSpecialNodes(t *testing.T) {
	data := buildImage(t, func(w *squashfs.Writer) {
		add := func(p string, n *squashfs.Node) {
			if err := w.AddNode(p, n); err != nil {
				t.Fatalf("AddNode %s: %s", p, err)
			}
		}
		add("/bin/sh", &squashfs.Node{Mode: squashfs.S_IFLNK | 0777, Target: "busybox"})
		add("/dev/console", &squashfs.Node{Mode: squashfs.S_IFCHR | 0600, Rdev: 5<<8 | 1})
		add("/run/fifo", &squashfs.Node{Mode: squashfs.S_IFIFO | 0644})
		add("/run/sock", &squashfs.Node{Mode: squashfs.S_IFSOCK | 0644})
	})

	sb := openImage(t, data)

	link, err := sb.ReadLink("bin/sh")
	if err != nil {
		t.Fatalf("ReadLink: %s", err)
	}
	if link != "busybox" {
		t.Errorf("symlink target = %q", link)
	}

	dev, err := sb.FindInode("dev/console", false)
	if err != nil {
		t.Fatalf("FindInode console: %s", err)
	}
	if dev.Type != squashfs.CharDevType {
		t.Errorf("console type = %d", dev.Type)
	}
	if dev.Rdev != 5<<8|1 {
		t.Errorf("console rdev = %#x", dev.Rdev)
	}

	for p, typ := range map[string]squashfs.Type{
		"run/fifo": squashfs.FifoType,
		"run/sock": squashfs.SocketType,
	} {
		ino, err := sb.FindInode(p, false)
		if err != nil {
			t.Fatalf("FindInode %s: %s", p, err)
		}
		if ino.Type != typ {
			t.Errorf("%s type = %d, want %d", p, ino.Type, typ)
		}
	}
}

func TestXattrRoundTrip(t *testing.T) {
	// listed in (prefix, name) order, the order sets are stored in
	attrs := []squashfs.Xattr{
		{Type: squashfs.XattrUser, Name: "comment", Value: []byte("hello")},
		{Type: squashfs.XattrSecurity, Name: "selinux", Value: []byte("system_u:object_r:bin_t:s0")},
	}
	data := buildImage(t, func(w *squashfs.Writer) {
		n := fileNode([]byte("content"), 0644, 0, 0)
		n.Xattrs = attrs
		if err := w.AddNode("/tagged", n); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
		// second file with the identical set shares the xattr id
		m := fileNode([]byte("other"), 0644, 0, 0)
		m.Xattrs = attrs
		if err := w.AddNode("/tagged2", m); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})

	sb := openImage(t, data)
	for _, name := range []string{"tagged", "tagged2"} {
		ino, err := sb.FindInode(name, false)
		if err != nil {
			t.Fatalf("FindInode %s: %s", name, err)
		}
		got, err := ino.Xattrs()
		if err != nil {
			t.Fatalf("Xattrs %s: %s", name, err)
		}
		if diff := cmp.Diff(attrs, got); diff != "" {
			t.Errorf("xattr mismatch for %s (-want +got):\n%s", name, diff)
		}
	}

	a, _ := sb.FindInode("tagged", false)
	b, _ := sb.FindInode("tagged2", false)
	if a.XattrIdx != b.XattrIdx {
		t.Errorf("identical sets got distinct ids %d and %d", a.XattrIdx, b.XattrIdx)
	}
}

func TestExportTable(t *testing.T) {
	data := buildImage(t, func(w *squashfs.Writer) {
		for i := 0; i < 5; i++ {
			p := fmt.Sprintf("/f%d", i)
			if err := w.AddNode(p, fileNode([]byte(p), 0644, 0, 0)); err != nil {
				t.Fatalf("AddNode: %s", err)
			}
		}
	}, squashfs.WithExportTable())

	sb := openImage(t, data)
	if !sb.Flags.Has(squashfs.EXPORTABLE) {
		t.Error("EXPORTABLE flag not set")
	}
	for ino := uint64(1); ino <= uint64(sb.InodeCnt); ino++ {
		got, err := sb.GetInode(ino)
		if err != nil {
			t.Fatalf("GetInode(%d): %s", ino, err)
		}
		if uint64(got.Ino) != ino {
			t.Errorf("GetInode(%d) returned inode %d", ino, got.Ino)
		}
	}
}

func TestNoFragments(t *testing.T) {
	content := []byte("tail only data")
	data := buildImage(t, func(w *squashfs.Writer) {
		if err := w.AddNode("/t", fileNode(content, 0644, 0, 0)); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	}, squashfs.WithNoFragments())

	sb := openImage(t, data)
	if sb.FragCount != 0 {
		t.Errorf("fragment count = %d, want 0", sb.FragCount)
	}
	if !sb.Flags.Has(squashfs.NO_FRAGMENTS) {
		t.Error("NO_FRAGMENTS flag not set")
	}

	ino, err := sb.FindInode("t", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if ino.FragBlock != 0xffffffff {
		t.Errorf("fragment = %d, want none", ino.FragBlock)
	}
	got, err := fsReadFile(sb, "t")
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content mismatch")
	}
}

func TestAttributesRoundTrip(t *testing.T) {
	data := buildImage(t, func(w *squashfs.Writer) {
		n := fileNode([]byte("x"), 0640, 1234, 5678)
		if err := w.AddNode("/owned", n); err != nil {
			t.Fatalf("AddNode: %s", err)
		}
	})

	sb := openImage(t, data)
	ino, err := sb.FindInode("owned", false)
	if err != nil {
		t.Fatalf("FindInode: %s", err)
	}
	if ino.Uid() != 1234 || ino.Gid() != 5678 {
		t.Errorf("ownership = %d:%d, want 1234:5678", ino.Uid(), ino.Gid())
	}
	if ino.Perm != 0640 {
		t.Errorf("perm = %o, want 0640", ino.Perm)
	}
	if ino.ModTime != int32(testMtime.Unix()) {
		t.Errorf("mtime = %d, want %d", ino.ModTime, testMtime.Unix())
	}
}

func TestTailDedup(t *testing.T) {
	// same 100-byte tail on two otherwise distinct small files
	tail := randBytes(7, 100)
	data := buildImage(t, func(w *squashfs.Writer) {
		for _, p := range []string{"/one", "/two"} {
			if err := w.AddNode(p, fileNode(tail, 0644, 0, 0)); err != nil {
				t.Fatalf("AddNode: %s", err)
			}
		}
	})

	sb := openImage(t, data)
	one, _ := sb.FindInode("one", false)
	two, _ := sb.FindInode("two", false)
	if one == nil || two == nil {
		t.Fatal("lookup failed")
	}
	if one.FragBlock != two.FragBlock || one.FragOfft != two.FragOfft {
		t.Errorf("tails not shared: (%d,%d) vs (%d,%d)",
			one.FragBlock, one.FragOfft, two.FragBlock, two.FragOfft)
	}
}
