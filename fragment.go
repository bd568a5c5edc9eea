package squashfs

import (
	"encoding/binary"
	"hash/crc32"
)

// fragEntry is one row of the on-disk fragment table: where a fragment
// block landed in the data area and how many bytes it occupies there.
type fragEntry struct {
	start uint64
	size  uint32
	// 4 unused bytes follow on disk
}

const fragEntrySize = 16

// fragmentPacker buffers tail blocks (file data shorter than the block
// size) into shared fragment blocks. A full fragment block is submitted to
// the block processor like ordinary data, tagged so the drainer records its
// final location in the fragment table instead of on a file node.
//
// Tails are deduplicated individually: a tail whose bytes were packed
// before reuses the earlier (fragment, offset) pair regardless of which
// file owns it.
type fragmentPacker struct {
	proc      *blockProcessor
	blockSize uint32

	buf     []byte
	entries []fragEntry
	tails   map[blockKey]tailLoc
}

type tailLoc struct {
	frag   uint32
	offset uint32
}

func newFragmentPacker(proc *blockProcessor, blockSize uint32) *fragmentPacker {
	return &fragmentPacker{
		proc:      proc,
		blockSize: blockSize,
		buf:       make([]byte, 0, blockSize),
		tails:     make(map[blockKey]tailLoc),
	}
}

// addTail records a file's tail data, assigning the node its
// (fragment index, offset, length) triple. The data is copied.
func (f *fragmentPacker) addTail(n *Node, data []byte) error {
	key := blockKey{crc32.ChecksumIEEE(data), uint32(len(data))}
	if loc, ok := f.tails[key]; ok {
		n.fragIndex = loc.frag
		n.fragOffset = loc.offset
		n.tailLen = uint32(len(data))
		return nil
	}

	if len(f.buf)+len(data) > int(f.blockSize) {
		if err := f.flush(); err != nil {
			return err
		}
	}

	loc := tailLoc{frag: uint32(len(f.entries)), offset: uint32(len(f.buf))}
	f.buf = append(f.buf, data...)
	f.tails[key] = loc

	n.fragIndex = loc.frag
	n.fragOffset = loc.offset
	n.tailLen = uint32(len(data))
	return nil
}

// flush submits the open fragment block, if any. Called when the buffer
// cannot take another tail and once more when all file data has been fed.
func (f *fragmentPacker) flush() error {
	if len(f.buf) == 0 {
		return nil
	}
	idx := len(f.entries)
	f.entries = append(f.entries, fragEntry{})

	data := make([]byte, len(f.buf))
	copy(data, f.buf)
	f.buf = f.buf[:0]

	return f.proc.submit(&block{
		flags: blockFragment,
		frag:  idx,
		data:  data,
	})
}

// writeTable emits the fragment table: entries packed into metadata blocks,
// then the u64 location array the superblock points at. Must only run after
// the block processor has finished; the final block locations are merged
// from its drainer-owned state here.
func (f *fragmentPacker) writeTable(out *outfile, comp Compressor) (uint64, error) {
	if len(f.entries) == 0 {
		return invalidTable, nil
	}

	for idx, loc := range f.proc.fragmentLocations() {
		f.entries[idx].start = loc.start
		f.entries[idx].size = loc.size
	}

	payload := make([]byte, len(f.entries)*fragEntrySize)
	for i, e := range f.entries {
		binary.LittleEndian.PutUint64(payload[i*fragEntrySize:], e.start)
		binary.LittleEndian.PutUint32(payload[i*fragEntrySize+8:], e.size)
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
