package squashfs

import (
	"encoding/binary"
)

// idTable interns uid/gid values into the 16-bit indices stored in inode
// records. Insertion order is preserved so identical input trees produce
// identical tables.
type idTable struct {
	ids   []uint32
	index map[uint32]uint16
}

func newIDTable() *idTable {
	return &idTable{index: make(map[uint32]uint16)}
}

func (t *idTable) intern(id uint32) (uint16, error) {
	if idx, ok := t.index[id]; ok {
		return idx, nil
	}
	if len(t.ids) >= 65536 {
		return 0, ErrTooManyIDs
	}
	idx := uint16(len(t.ids))
	t.ids = append(t.ids, id)
	t.index[id] = idx
	return idx, nil
}

func (t *idTable) count() uint16 {
	return uint16(len(t.ids))
}

// write emits the table as metadata blocks followed by the u64 location
// array the superblock points at. Returns the location array's offset.
func (t *idTable) write(out *outfile, comp Compressor) (uint64, error) {
	payload := make([]byte, len(t.ids)*4)
	for i, id := range t.ids {
		binary.LittleEndian.PutUint32(payload[i*4:], id)
	}

	locs, err := writeMetaTable(out, comp, payload)
	if err != nil {
		return 0, err
	}

	start := out.offset
	ptrs := make([]byte, len(locs)*8)
	for i, loc := range locs {
		binary.LittleEndian.PutUint64(ptrs[i*8:], loc)
	}
	if err := out.write(ptrs); err != nil {
		return 0, err
	}
	return start, nil
}
