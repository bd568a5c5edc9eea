package squashfs

import (
	"encoding/binary"
	"io"
)

// Xattrs decodes the extended attributes attached to an inode, resolving
// out-of-line values back to their stored bytes.
func (ino *Inode) Xattrs() ([]Xattr, error) {
	sb := ino.sb
	if ino.XattrIdx == invalidXattr || sb.XattrIdTableStart == invalidTable {
		return nil, nil
	}

	hdr := make([]byte, 16)
	if _, err := sb.fs.ReadAt(hdr, int64(sb.XattrIdTableStart)); err != nil {
		return nil, err
	}
	kvStart := sb.order.Uint64(hdr)
	count := sb.order.Uint32(hdr[8:])
	if ino.XattrIdx >= count {
		return nil, ErrInvalidSuper
	}

	// id descriptors are 16 bytes, 512 per metadata block; the location
	// array follows the header
	ptr := make([]byte, 8)
	if _, err := sb.fs.ReadAt(ptr, int64(sb.XattrIdTableStart)+16+int64(ino.XattrIdx/512)*8); err != nil {
		return nil, err
	}
	tr, err := sb.newTableReader(int64(sb.order.Uint64(ptr)), int(ino.XattrIdx%512)*16)
	if err != nil {
		return nil, err
	}
	var ref uint64
	var cnt, size uint32
	if err := readLE(tr, sb, &ref, &cnt, &size); err != nil {
		return nil, err
	}

	kv, err := sb.newTableReader(int64(kvStart)+int64(inodeRef(ref).Index()), int(inodeRef(ref).Offset()))
	if err != nil {
		return nil, err
	}

	attrs := make([]Xattr, 0, cnt)
	for i := uint32(0); i < cnt; i++ {
		var typ, nameSize uint16
		if err := readLE(kv, sb, &typ, &nameSize); err != nil {
			return nil, err
		}
		name := make([]byte, nameSize)
		if _, err := io.ReadFull(kv, name); err != nil {
			return nil, err
		}
		var valSize uint32
		if err := readLE(kv, sb, &valSize); err != nil {
			return nil, err
		}
		val := make([]byte, valSize)
		if _, err := io.ReadFull(kv, val); err != nil {
			return nil, err
		}

		if typ&xattrOOL != 0 {
			if valSize != 8 {
				return nil, ErrInvalidSuper
			}
			oref := inodeRef(binary.LittleEndian.Uint64(val))
			if val, err = sb.readOOLValue(kvStart, oref); err != nil {
				return nil, err
			}
			typ &^= xattrOOL
		}

		attrs = append(attrs, Xattr{Type: typ, Name: string(name), Value: val})
	}
	return attrs, nil
}

// readOOLValue loads an out-of-line xattr value: the reference points at a
// (size, bytes) record in the key-value stream.
func (s *Superblock) readOOLValue(kvStart uint64, ref inodeRef) ([]byte, error) {
	tr, err := s.newTableReader(int64(kvStart)+int64(ref.Index()), int(ref.Offset()))
	if err != nil {
		return nil, err
	}
	var size uint32
	if err := binary.Read(tr, s.order, &size); err != nil {
		return nil, err
	}
	val := make([]byte, size)
	if _, err := io.ReadFull(tr, val); err != nil {
		return nil, err
	}
	return val, nil
}
