package squashfs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// decodeMetaStream expands a framed metadata stream back into its payload,
// also returning the compressed offset at which each block started.
func decodeMetaStream(t *testing.T, stream []byte) ([]byte, map[uint32]int) {
	t.Helper()
	var payload []byte
	blockStarts := make(map[uint32]int) // stream offset -> payload offset

	off := 0
	for off < len(stream) {
		blockStarts[uint32(off)] = len(payload)
		hdr := binary.LittleEndian.Uint16(stream[off:])
		size := int(hdr & 0x7fff)
		data := stream[off+2 : off+2+size]
		if hdr&0x8000 == 0 {
			var err error
			if data, err = GZip.decompress(data); err != nil {
				t.Fatalf("decompress: %s", err)
			}
		}
		payload = append(payload, data...)
		off += 2 + size
	}
	return payload, blockStarts
}

func TestMetaWriterCursor(t *testing.T) {
	var buf bytes.Buffer
	mw := newMetaWriter(&buf, nil)

	// records of varying size, enough to cross several block boundaries
	type rec struct {
		blockStart uint32
		offset     uint16
		data       []byte
	}
	var recs []rec
	for i := 0; i < 100; i++ {
		data := randTestBytes(int64(i), 100+i*7)
		blk, off := mw.cursor()
		recs = append(recs, rec{blk, off, data})
		if err := mw.append(data); err != nil {
			t.Fatalf("append: %s", err)
		}
	}
	if err := mw.flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	payload, blockStarts := decodeMetaStream(t, buf.Bytes())
	for i, r := range recs {
		base, ok := blockStarts[r.blockStart]
		if !ok {
			t.Fatalf("record %d: no block starts at stream offset %d", i, r.blockStart)
		}
		at := base + int(r.offset)
		if !bytes.Equal(payload[at:at+len(r.data)], r.data) {
			t.Fatalf("record %d: bytes at cursor do not match what was appended", i)
		}
	}
}

func TestMetaWriterCompressedFraming(t *testing.T) {
	comp, err := NewCompressor(GZip, nil)
	if err != nil {
		t.Fatalf("NewCompressor: %s", err)
	}

	var buf bytes.Buffer
	mw := newMetaWriter(&buf, comp)

	// highly compressible payload spanning two blocks
	payload := bytes.Repeat([]byte("squash"), 2000)
	if err := mw.append(payload); err != nil {
		t.Fatalf("append: %s", err)
	}
	if err := mw.flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	hdr := binary.LittleEndian.Uint16(buf.Bytes())
	if hdr&0x8000 != 0 {
		t.Error("compressible block stored uncompressed")
	}

	got, _ := decodeMetaStream(t, buf.Bytes())
	if !bytes.Equal(got, payload) {
		t.Error("round-tripped payload mismatch")
	}
}

func TestMetaWriterCursorNeverFull(t *testing.T) {
	var buf bytes.Buffer
	mw := newMetaWriter(&buf, nil)

	if err := mw.append(make([]byte, metaBlockSize)); err != nil {
		t.Fatalf("append: %s", err)
	}
	// an exactly-full block flushes eagerly so the cursor points at the
	// start of the next block
	blk, off := mw.cursor()
	if off != 0 {
		t.Errorf("offset = %d, want 0", off)
	}
	if blk == 0 {
		t.Error("block start did not advance past the flushed block")
	}
}
