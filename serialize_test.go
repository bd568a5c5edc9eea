package squashfs

import (
	"bytes"
	"testing"
)

func testSerializer() *serializer {
	return newSerializer(nil, nil, newIDTable(), newXattrWriter(), 10, 131072)
}

func TestExtendedFormThreshold(t *testing.T) {
	s := testSerializer()

	cases := []struct {
		name string
		node Node
		want bool
	}{
		{"small file", Node{Mode: S_IFREG | 0644, Size: 1 << 20}, false},
		{"max narrow size", Node{Mode: S_IFREG | 0644, Size: 1<<32 - 1}, false},
		{"size past 32 bits", Node{Mode: S_IFREG | 0644, Size: 1 << 32}, true},
		{"start past 32 bits", Node{Mode: S_IFREG | 0644, startBlock: 1 << 32}, true},
		{"multiple links", Node{Mode: S_IFREG | 0644, nlink: 2}, true},
		{"file with xattr", Node{Mode: S_IFREG | 0644, xattrID: 0}, true},
		{"plain dir", Node{Mode: S_IFDIR | 0755, dirSize: 100}, false},
		{"max narrow dir", Node{Mode: S_IFDIR | 0755, dirSize: 0xffff - 3}, false},
		{"oversized dir", Node{Mode: S_IFDIR | 0755, dirSize: 0xffff - 2}, true},
		{"symlink", Node{Mode: S_IFLNK | 0777, Target: "x"}, false},
		{"symlink with xattr", Node{Mode: S_IFLNK | 0777, xattrID: 1}, true},
	}
	for _, c := range cases {
		n := c.node
		if n.xattrID == 0 && c.name != "file with xattr" {
			n.xattrID = invalidXattr
		}
		if got := s.extended(&n); got != c.want {
			t.Errorf("%s: extended = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestInodeRecordSizes(t *testing.T) {
	s := testSerializer()

	// the fixed part of each variant has a known on-disk size
	cases := []struct {
		name string
		node Node
		want int
	}{
		{"basic dir", Node{Mode: S_IFDIR | 0755}, 16 + 16},
		{"basic file", Node{Mode: S_IFREG | 0644, Size: 0}, 16 + 16},
		{"symlink", Node{Mode: S_IFLNK | 0777, Target: "abc"}, 16 + 8 + 3},
		{"chardev", Node{Mode: S_IFCHR | 0600}, 16 + 8},
		{"fifo", Node{Mode: S_IFIFO | 0644}, 16 + 4},
	}
	for _, c := range cases {
		n := c.node
		n.xattrID = invalidXattr
		n.fragIndex = invalidFragment
		buf := &bytes.Buffer{}
		if err := s.record(buf, &n, 0, 0); err != nil {
			t.Fatalf("%s: record: %s", c.name, err)
		}
		if buf.Len() != c.want {
			t.Errorf("%s: record is %d bytes, want %d", c.name, buf.Len(), c.want)
		}
	}
}

func TestSparseAccounting(t *testing.T) {
	s := testSerializer()
	n := &Node{Mode: S_IFREG | 0644, blocks: []uint32{100, 0, 200, 0}}
	if got := s.sparseBytes(n); got != 2*131072 {
		t.Errorf("sparse bytes = %d, want %d", got, 2*131072)
	}
}
