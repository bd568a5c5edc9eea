package squashfs

import (
	"encoding/binary"
	"io"
)

// metaWriter produces a chained stream of metadata blocks: up to 8 KiB of
// payload per block, each framed with a 16-bit little-endian length header
// whose top bit marks an uncompressed block.
//
// The writer may target the image directly (inode table) or a temporary
// backing file (directory table, which is produced while inodes stream out
// but lands after them).
type metaWriter struct {
	w    io.Writer
	comp Compressor // nil disables compression for this stream

	buf        []byte
	blockStart uint32 // compressed byte offset of the current block within the stream
}

func newMetaWriter(w io.Writer, comp Compressor) *metaWriter {
	return &metaWriter{w: w, comp: comp, buf: make([]byte, 0, metaBlockSize)}
}

// cursor returns the position of the next byte that would be appended:
// the stream offset of the current block and the byte offset within its
// uncompressed payload. Serializers capture this before appending a record
// to form block references.
func (m *metaWriter) cursor() (uint32, uint16) {
	return m.blockStart, uint16(len(m.buf))
}

func (m *metaWriter) append(p []byte) error {
	for len(p) > 0 {
		n := metaBlockSize - len(m.buf)
		if n > len(p) {
			n = len(p)
		}
		m.buf = append(m.buf, p[:n]...)
		p = p[n:]

		// flush eagerly so cursor() never reports a full block
		if len(m.buf) == metaBlockSize {
			if err := m.writeBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush finalizes a partial trailing block. Idempotent on an empty buffer.
func (m *metaWriter) flush() error {
	if len(m.buf) == 0 {
		return nil
	}
	return m.writeBlock()
}

func (m *metaWriter) writeBlock() error {
	data := m.buf
	header := make([]byte, 2)

	var compressed []byte
	if m.comp != nil {
		c, err := m.comp.Compress(data)
		if err != nil {
			return err
		}
		if len(c) < len(data) {
			compressed = c
		}
	}

	if compressed != nil {
		binary.LittleEndian.PutUint16(header, uint16(len(compressed)))
	} else {
		binary.LittleEndian.PutUint16(header, uint16(len(data))|0x8000)
		compressed = data
	}

	if _, err := m.w.Write(header); err != nil {
		return err
	}
	if _, err := m.w.Write(compressed); err != nil {
		return err
	}

	m.blockStart += uint32(2 + len(compressed))
	m.buf = m.buf[:0]
	return nil
}

// writeMetaTable writes payload as a chain of metadata blocks to out and
// returns the absolute start offset of each emitted block. Used by the id,
// fragment and export tables, which are indirected through such a location
// array.
func writeMetaTable(out *outfile, comp Compressor, payload []byte) ([]uint64, error) {
	var locs []uint64
	mw := newMetaWriter(out, comp)
	for len(payload) > 0 {
		n := len(payload)
		if n > metaBlockSize {
			n = metaBlockSize
		}
		locs = append(locs, out.offset)
		if err := mw.append(payload[:n]); err != nil {
			return nil, err
		}
		if err := mw.flush(); err != nil {
			return nil, err
		}
		payload = payload[n:]
	}
	return locs, nil
}
