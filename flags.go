package squashfs

import "strings"

// SquashFlags is the superblock feature bitset.
type SquashFlags uint16

const (
	UNCOMPRESSED_INODES SquashFlags = 1 << iota
	UNCOMPRESSED_DATA
	CHECK
	UNCOMPRESSED_FRAGMENTS
	NO_FRAGMENTS
	ALWAYS_FRAGMENTS
	DUPLICATES
	EXPORTABLE
	UNCOMPRESSED_XATTRS
	NO_XATTRS
	COMPRESSOR_OPTIONS
	UNCOMPRESSED_IDS
)

var flagNames = []struct {
	flag SquashFlags
	name string
}{
	{UNCOMPRESSED_INODES, "UNCOMPRESSED_INODES"},
	{UNCOMPRESSED_DATA, "UNCOMPRESSED_DATA"},
	{CHECK, "CHECK"},
	{UNCOMPRESSED_FRAGMENTS, "UNCOMPRESSED_FRAGMENTS"},
	{NO_FRAGMENTS, "NO_FRAGMENTS"},
	{ALWAYS_FRAGMENTS, "ALWAYS_FRAGMENTS"},
	{DUPLICATES, "DUPLICATES"},
	{EXPORTABLE, "EXPORTABLE"},
	{UNCOMPRESSED_XATTRS, "UNCOMPRESSED_XATTRS"},
	{NO_XATTRS, "NO_XATTRS"},
	{COMPRESSOR_OPTIONS, "COMPRESSOR_OPTIONS"},
	{UNCOMPRESSED_IDS, "UNCOMPRESSED_IDS"},
}

func (f SquashFlags) String() string {
	var opt []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			opt = append(opt, fn.name)
		}
	}
	return strings.Join(opt, "|")
}

func (f SquashFlags) Has(what SquashFlags) bool {
	return f&what == what
}
