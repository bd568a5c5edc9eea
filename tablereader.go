package squashfs

import "log"

// tableReader streams a metadata table: a chain of framed metadata blocks
// starting at a given image offset. It transparently decompresses blocks
// and exposes the payload as a plain io.Reader.
type tableReader struct {
	sb   *Superblock
	buf  []byte
	offt int64
}

func (sb *Superblock) newInodeReader(ino inodeRef) (*tableReader, error) {
	return sb.newTableReader(int64(sb.InodeTableStart)+int64(ino.Index()), int(ino.Offset()))
}

func (sb *Superblock) newTableReader(base int64, start int) (*tableReader, error) {
	tr := &tableReader{
		sb:   sb,
		offt: base,
	}

	if err := tr.readBlock(); err != nil {
		return nil, err
	}

	if start != 0 {
		if start > len(tr.buf) {
			return nil, ErrInvalidSuper
		}
		tr.buf = tr.buf[start:]
	}

	return tr, nil
}

func (t *tableReader) readBlock() error {
	head := make([]byte, 2)
	if _, err := t.sb.fs.ReadAt(head, t.offt); err != nil {
		return err
	}
	lenN := t.sb.order.Uint16(head)
	noCompress := lenN&0x8000 != 0
	lenN &= 0x7fff

	buf := make([]byte, int(lenN))
	if _, err := t.sb.fs.ReadAt(buf, t.offt+2); err != nil {
		return err
	}
	t.offt += int64(2 + lenN)

	if !noCompress {
		var err error
		buf, err = t.sb.Comp.decompress(buf)
		if err != nil {
			log.Printf("squashfs: failed to read compressed metadata: %s", err)
			return err
		}
	}

	t.buf = buf
	return nil
}

func (t *tableReader) Read(p []byte) (int, error) {
	// read from buf, if empty decode the next block in the chain
	if len(t.buf) == 0 {
		if err := t.readBlock(); err != nil {
			return 0, err
		}
	}

	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}
