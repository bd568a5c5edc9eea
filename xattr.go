package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Xattr prefix ids. The value-follows-out-of-line flag is ORed into the
// type field when the value is stored as a 64-bit reference.
const (
	XattrUser     = 0
	XattrTrusted  = 1
	XattrSecurity = 2

	xattrOOL = uint16(0x0100)
)

var xattrPrefixes = []struct {
	id     uint16
	prefix string
}{
	{XattrUser, "user."},
	{XattrTrusted, "trusted."},
	{XattrSecurity, "security."},
}

// Xattr is one extended attribute with its key split into the on-disk
// prefix id and suffix.
type Xattr struct {
	Type  uint16
	Name  string // key suffix without the prefix
	Value []byte
}

// NormalizeXattr splits a full attribute key (e.g. "security.selinux") into
// its prefix id and suffix. Keys outside the representable namespaces are
// rejected.
func NormalizeXattr(key string, value []byte) (Xattr, error) {
	for _, p := range xattrPrefixes {
		if strings.HasPrefix(key, p.prefix) {
			return Xattr{
				Type:  p.id,
				Name:  strings.TrimPrefix(key, p.prefix),
				Value: value,
			}, nil
		}
	}
	return Xattr{}, fmt.Errorf("%w: unsupported xattr namespace in %q", ErrInvalidConfig, key)
}

// FullName reassembles the complete attribute key.
func (x Xattr) FullName() string {
	for _, p := range xattrPrefixes {
		if p.id == x.Type&^xattrOOL {
			return p.prefix + x.Name
		}
	}
	return x.Name
}

type xattrSet struct {
	attrs []Xattr
	ref   inodeRef // position of the set in the kv stream
	size  uint32   // uncompressed bytes the set occupies there
}

// xattrWriter deduplicates attribute sets across nodes and emits the three
// xattr structures: the key-value stream, the id descriptor table, and the
// superblock-visible location header.
type xattrWriter struct {
	sets  []xattrSet
	index map[string]uint32
}

// largeValueThreshold is the value size above which repeated occurrences
// are stored as out-of-line references to the first copy.
const largeValueThreshold = 65535

func newXattrWriter() *xattrWriter {
	return &xattrWriter{index: make(map[string]uint32)}
}

// intern assigns an xattr id to a set of attributes, reusing an existing id
// for a set with identical keys and values. The attributes are sorted by
// prefix id and name first, so their input order does not matter.
func (x *xattrWriter) intern(attrs []Xattr) uint32 {
	if len(attrs) == 0 {
		return invalidXattr
	}

	sorted := make([]Xattr, len(attrs))
	copy(sorted, attrs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].Name < sorted[j].Name
	})

	var key bytes.Buffer
	for _, a := range sorted {
		binary.Write(&key, binary.LittleEndian, a.Type)
		binary.Write(&key, binary.LittleEndian, uint16(len(a.Name)))
		key.WriteString(a.Name)
		binary.Write(&key, binary.LittleEndian, uint32(len(a.Value)))
		key.Write(a.Value)
	}

	if id, ok := x.index[key.String()]; ok {
		return id
	}
	id := uint32(len(x.sets))
	x.sets = append(x.sets, xattrSet{attrs: sorted})
	x.index[key.String()] = id
	return id
}

func (x *xattrWriter) empty() bool { return len(x.sets) == 0 }

// writeTables emits the xattr structures and returns the offset recorded as
// XattrIdTableStart, or the invalid marker when no node carries xattrs.
func (x *xattrWriter) writeTables(out *outfile, comp Compressor) (uint64, error) {
	if x.empty() {
		return invalidTable, nil
	}

	// key-value stream, built in memory first so set references are known
	var kvBuf bytes.Buffer
	kv := newMetaWriter(&kvBuf, comp)
	valueRefs := make(map[string]inodeRef)

	for i := range x.sets {
		set := &x.sets[i]
		blk, off := kv.cursor()
		set.ref = makeInodeRef(blk, off)

		written := uint32(0)
		for _, a := range set.attrs {
			vkey := string(a.Value)
			prior, seen := valueRefs[vkey]

			hdr := make([]byte, 4)
			if seen && len(a.Value) > largeValueThreshold {
				binary.LittleEndian.PutUint16(hdr[0:], a.Type|xattrOOL)
				binary.LittleEndian.PutUint16(hdr[2:], uint16(len(a.Name)))
				if err := kv.append(hdr); err != nil {
					return 0, err
				}
				if err := kv.append([]byte(a.Name)); err != nil {
					return 0, err
				}
				val := make([]byte, 12)
				binary.LittleEndian.PutUint32(val[0:], 8)
				binary.LittleEndian.PutUint64(val[4:], uint64(prior))
				if err := kv.append(val); err != nil {
					return 0, err
				}
				written += uint32(4 + len(a.Name) + 12)
				continue
			}

			binary.LittleEndian.PutUint16(hdr[0:], a.Type)
			binary.LittleEndian.PutUint16(hdr[2:], uint16(len(a.Name)))
			if err := kv.append(hdr); err != nil {
				return 0, err
			}
			if err := kv.append([]byte(a.Name)); err != nil {
				return 0, err
			}

			vblk, voff := kv.cursor()
			if !seen {
				valueRefs[vkey] = makeInodeRef(vblk, voff)
			}
			vsz := make([]byte, 4)
			binary.LittleEndian.PutUint32(vsz, uint32(len(a.Value)))
			if err := kv.append(vsz); err != nil {
				return 0, err
			}
			if err := kv.append(a.Value); err != nil {
				return 0, err
			}
			written += uint32(4 + len(a.Name) + 4 + len(a.Value))
		}
		set.size = written
	}
	if err := kv.flush(); err != nil {
		return 0, err
	}

	kvStart := out.offset
	if err := out.write(kvBuf.Bytes()); err != nil {
		return 0, err
	}

	// id descriptor table: (ref, count, size) per set
	payload := make([]byte, len(x.sets)*16)
	for i, set := range x.sets {
		binary.LittleEndian.PutUint64(payload[i*16:], uint64(set.ref))
		binary.LittleEndian.PutUint32(payload[i*16+8:], uint32(len(set.attrs)))
		binary.LittleEndian.PutUint32(payload[i*16+12:], set.size)
	}
	locs, err := writeMetaTable(out, comp, payload)
	if err != nil {
		return 0, err
	}

	// location header the superblock points at
	start := out.offset
	hdr := make([]byte, 16+len(locs)*8)
	binary.LittleEndian.PutUint64(hdr[0:], kvStart)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(x.sets)))
	for i, loc := range locs {
		binary.LittleEndian.PutUint64(hdr[16+i*8:], loc)
	}
	if err := out.write(hdr); err != nil {
		return 0, err
	}
	return start, nil
}
